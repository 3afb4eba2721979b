package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingPoster struct {
	bodies [][]byte
	fail   map[int]error
}

func (r *recordingPoster) PostWebhook(_ context.Context, payload []byte) error {
	r.bodies = append(r.bodies, payload)
	if err := r.fail[len(r.bodies)]; err != nil {
		return err
	}
	return nil
}

const validPayload = `{"metaData":{"entry":[{"changes":[{"value":{
  "contacts":[{"wa_id":"919937320320","profile":{"name":"Ravi"}},{"profile":{"name":"ghost"}}],
  "messages":[{"from":"919937320320","id":"wamid.1","timestamp":"1754400000","type":"text","text":{"body":"hi"}}]
}}]}]}}`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDir(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"01_message.json": validPayload,
		"02_broken.json":  `{not json`,
		"03_empty.json":   `{"metaData":{"entry":[{"changes":[{"value":{"contacts":[]}}]}]}}`,
		"04_status.json":  `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`,
		"notes.txt":       "ignored",
	})

	p := &recordingPoster{}
	var reported []string
	results, err := Dir(context.Background(), p, dir, func(r FileResult) {
		reported = append(reported, r.File)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 4 || len(reported) != 4 {
		t.Fatalf("results = %d, reported = %d, want 4", len(results), len(reported))
	}
	want := []struct {
		file    string
		ok      bool
		skipped bool
	}{
		{"01_message.json", true, false},
		{"02_broken.json", false, true},
		{"03_empty.json", false, true},
		{"04_status.json", true, false},
	}
	for i, w := range want {
		r := results[i]
		if r.File != w.file || r.OK() != w.ok || r.Skipped != w.skipped {
			t.Errorf("results[%d] = %+v, want %+v", i, r, w)
		}
	}

	if len(p.bodies) != 2 {
		t.Fatalf("posted %d bodies, want 2", len(p.bodies))
	}
	// The contact without wa_id was dropped before sending.
	var doc struct {
		MetaData struct {
			Entry []struct {
				Changes []struct {
					Value struct {
						Contacts []map[string]any `json:"contacts"`
					} `json:"value"`
				} `json:"changes"`
			} `json:"entry"`
		} `json:"metaData"`
	}
	if err := json.Unmarshal(p.bodies[0], &doc); err != nil {
		t.Fatal(err)
	}
	if n := len(doc.MetaData.Entry[0].Changes[0].Value.Contacts); n != 1 {
		t.Errorf("contacts sent = %d, want 1", n)
	}
}

func TestFileServerRejects(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.json": validPayload})
	p := &recordingPoster{fail: map[int]error{1: errors.New("server returned 500")}}
	r := File(context.Background(), p, filepath.Join(dir, "a.json"))
	if r.OK() || r.Skipped {
		t.Errorf("result = %+v, want a delivery failure", r)
	}
	if !strings.Contains(r.Error, "500") {
		t.Errorf("error = %q", r.Error)
	}
}

func TestDirMissing(t *testing.T) {
	if _, err := Dir(context.Background(), &recordingPoster{}, filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("Dir(missing) error = nil")
	}
}
