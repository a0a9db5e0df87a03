package policy

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestJournalRecordAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	e1 := NewAuditEvent("uid-1", "Run", OutcomePermit)
	e2 := NewAuditEvent("uid-2", "Exec", OutcomeDeny)

	if err := j.Record(e1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(e2); err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var got AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.UID != "uid-1" || got.Outcome != OutcomePermit || got.ClassUID != 3001 {
		t.Fatalf("unexpected first event: %+v", got)
	}
}

func TestJournalConcurrentWritesDoNotCorruptLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = j.Record(NewAuditEvent("uid", "Run", OutcomePermit))
		}(i)
	}
	wg.Wait()

	f, err := os.Open(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d did not parse as valid JSON: %v", count, err)
		}
		count++
	}
	if count != 50 {
		t.Fatalf("expected 50 valid lines, got %d", count)
	}
}
