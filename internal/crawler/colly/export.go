package collycrawler

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html/template"
	"path"
)

const (
	formatZip  = "zip"
	formatHTML = "html"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.TargetURL}}</title></head>
<body>
<h1>{{.TargetURL}}</h1>
<ul>
{{- range .Pages}}
<li><a href="{{.Path}}">{{.URL}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

// export writes the artifact named by the job's export format and returns
// its location.
func (r *run) export(manifest []byte) (string, error) {
	switch r.req.ExportFormat {
	case formatHTML:
		var buf bytes.Buffer
		if err := indexTemplate.Execute(&buf, r.manifest); err != nil {
			return "", fmt.Errorf("render index: %w", err)
		}
		loc, err := r.c.blobs.PutObject(r.ctx, path.Join(r.base, "index.html"), "text/html; charset=utf-8", &buf)
		if err != nil {
			return "", fmt.Errorf("write index: %w", err)
		}
		return loc, nil
	case "", formatZip:
		data, err := r.zip(manifest)
		if err != nil {
			return "", err
		}
		loc, err := r.c.blobs.PutObject(r.ctx, path.Join(r.base, "export.zip"), "application/zip", bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("write archive: %w", err)
		}
		return loc, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", r.req.ExportFormat)
	}
}

func (r *run) zip(manifest []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}
	if err := add(manifestName, manifest); err != nil {
		return nil, err
	}
	for _, f := range r.files {
		if err := add(f.path, f.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}
