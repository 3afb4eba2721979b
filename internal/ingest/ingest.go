// Package ingest replays saved webhook payload files against a server.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/matheus3301/wprelay/internal/webhook"
)

// Poster delivers one webhook body.
type Poster interface {
	PostWebhook(ctx context.Context, payload []byte) error
}

// FileResult is the outcome for one file. Err is nil when the server
// accepted the payload.
type FileResult struct {
	File    string `json:"file"`
	Skipped bool   `json:"skipped"` // failed validation, never sent
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the file was delivered.
func (r FileResult) OK() bool {
	return r.Err == nil
}

// Dir sanitizes and posts every *.json file in dir in name order. A bad
// file is reported and the rest still go out. report, when set, is called
// after each file.
func Dir(ctx context.Context, p Poster, dir string, report func(FileResult)) ([]FileResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read payload dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	results := make([]FileResult, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := File(ctx, p, filepath.Join(dir, name))
		res.File = name
		results = append(results, res)
		if report != nil {
			report(res)
		}
	}
	return results, nil
}

// File sanitizes and posts a single payload file.
func File(ctx context.Context, p Poster, path string) FileResult {
	res := FileResult{File: filepath.Base(path)}
	data, err := os.ReadFile(path)
	if err != nil {
		return res.fail(err, true)
	}
	body, err := webhook.Sanitize(data)
	if err != nil {
		return res.fail(err, true)
	}
	if err := p.PostWebhook(ctx, body); err != nil {
		return res.fail(err, false)
	}
	return res
}

func (r FileResult) fail(err error, skipped bool) FileResult {
	r.Err = err
	r.Error = err.Error()
	r.Skipped = skipped
	return r
}
