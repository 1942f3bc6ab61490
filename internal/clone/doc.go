// Package clone holds the domain model shared by every part of the clone
// service: the job snapshot and its states, the job log, verification
// reports, credit amounts, the error taxonomy, and the interfaces the engine
// uses to talk to storage, queues, crawlers, and the verification engine.
package clone
