package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/embedding"
	"github.com/nidhogg/code-monkeys/internal/window"
)

func openLongTerm(t *testing.T, path string) *LongTerm {
	t.Helper()
	lt, err := OpenLongTerm(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open long-term: %v", err)
	}
	return lt
}

func TestLongTermSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "long_term_memory_storage.db")

	lt := openLongTerm(t, path)
	if err := lt.Write(ctx, Record{Key: "design_task", Value: "use a 3x3 grid", RunID: "r1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openLongTerm(t, path)
	defer reopened.Close()
	recs, err := reopened.Query(ctx, Criteria{Key: "design_task"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 || recs[0].Value != "use a 3x3 grid" || recs[0].Tier != TierLong {
		t.Fatalf("fact lost across reopen: %+v", recs)
	}
}

func TestLongTermAppendOnlyNewestFirst(t *testing.T) {
	ctx := context.Background()
	lt := openLongTerm(t, filepath.Join(t.TempDir(), "lt.db"))
	defer lt.Close()

	prev := 0
	for i := 1; i <= 5; i++ {
		if err := lt.Write(ctx, Record{Key: "design_task", Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		recs, err := lt.Query(ctx, Criteria{Key: "design_task"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(recs) < prev {
			t.Fatalf("query shrank from %d to %d after write %d", prev, len(recs), i)
		}
		prev = len(recs)
		if recs[0].Value != fmt.Sprintf("v%d", i) {
			t.Errorf("newest fact should come first, got %q", recs[0].Value)
		}
	}
	if prev != 5 {
		t.Errorf("expected 5 historical rows, got %d", prev)
	}
}

func TestLongTermPrefix(t *testing.T) {
	ctx := context.Background()
	lt := openLongTerm(t, filepath.Join(t.TempDir(), "lt.db"))
	defer lt.Close()

	for _, k := range []string{"backend_code_task", "backend_code_review_task", "frontend_task"} {
		if err := lt.Write(ctx, Record{Key: k, Value: k}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := lt.Query(ctx, Criteria{Prefix: "backend_"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Key != "backend_code_review_task" {
		t.Fatalf("prefix query = %+v", recs)
	}
	if err := lt.Write(ctx, Record{Value: "no key"}); err != ErrEmptyKey {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func newFileIndex(t *testing.T) *FileIndex {
	t.Helper()
	idx, err := NewFileIndex(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestShortTermTopK(t *testing.T) {
	ctx := context.Background()
	st := NewShortTerm(embedding.NewHashProvider(256), newFileIndex(t), 2, zap.NewNop())

	notes := map[string]string{
		"design_task":   "game engine design with board state and win detection",
		"frontend_task": "gradio user interface with buttons for each board cell",
		"audit":         "dependency audit lists requirements and licenses",
	}
	for k, v := range notes {
		if err := st.Write(ctx, Record{RunID: "r1", Key: k, Value: v}); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}
	if err := st.Write(ctx, Record{RunID: "r2", Key: "other", Value: "game engine board"}); err != nil {
		t.Fatal(err)
	}

	hits, err := st.Query(ctx, Criteria{RunID: "r1", Text: "implement the game engine board state"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected top-2, got %d", len(hits))
	}
	if hits[0].Key != "design_task" {
		t.Errorf("most relevant first: got %s", hits[0].Key)
	}
	for _, h := range hits {
		if h.RunID != "r1" {
			t.Errorf("hit leaked from run %s", h.RunID)
		}
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits not ordered by score")
	}

	if _, err := st.Query(ctx, Criteria{Text: "x"}); err != ErrNoRun {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
}

func TestEntityConvergesToOneProfile(t *testing.T) {
	ctx := context.Background()
	ent := NewEntity(embedding.NewHashProvider(256), newFileIndex(t), 3, zap.NewNop())

	mentions := []struct{ key, fact string }{
		{"GameEngine", "tracks the board"},
		{"game_engine", "detects a winner"},
		{"Game Engine", "tracks the board"},
		{"game-engine.", "resets between rounds"},
	}
	for _, m := range mentions {
		if err := ent.Write(ctx, Record{RunID: "r1", Key: m.key, Value: m.fact}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := ent.Write(ctx, Record{RunID: "r1", Key: "app.py", Value: "launches the ui"}); err != nil {
		t.Fatal(err)
	}

	recs, err := ent.Query(ctx, Criteria{RunID: "r1", Text: "game engine board winner"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var profile *Record
	count := 0
	for i := range recs {
		if recs[i].Key == "game_engine" {
			profile = &recs[i]
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one game_engine profile, got %d in %+v", count, recs)
	}
	facts := strings.Split(profile.Value, "\n")
	if len(facts) != 3 {
		t.Fatalf("expected 3 distinct facts, got %q", profile.Value)
	}
	if facts[0] != "resets between rounds" {
		t.Errorf("newest fact should come first, got %q", facts[0])
	}

	byKey, err := ent.Query(ctx, Criteria{RunID: "r1", Key: "Game-Engine"})
	if err != nil || len(byKey) != 1 || byKey[0].Key != "game_engine" {
		t.Fatalf("key lookup = %+v, %v", byKey, err)
	}
}

func TestNormalizeEntity(t *testing.T) {
	tests := map[string]string{
		"GameEngine":      "game_engine",
		"Game Engine":     "game_engine",
		"game-engine":     "game_engine",
		"`game_engine`":   "game_engine",
		"Game_Engine.PY":  "game_engine.py",
		"  **app.py**  ":  "app.py",
		"":                "",
		"---":             "",
	}
	for in, want := range tests {
		if got := NormalizeEntity(in); got != want {
			t.Errorf("NormalizeEntity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractEntities(t *testing.T) {
	text := "Module game_engine.py defines class GameEngine and def make_move(self).\n" +
		"The GameEngine is used by app.py. def __init__(self) is skipped."
	got := ExtractEntities(text)
	want := map[string]bool{"game_engine.py": true, "game_engine": true, "make_move": true, "app.py": true}
	if len(got) != len(want) {
		t.Fatalf("entities = %v", got)
	}
	for _, e := range got {
		if !want[e] {
			t.Errorf("unexpected entity %q", e)
		}
	}
}

func TestFileIndexPersistsAndDrops(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, _ := NewFileIndex(dir)
	rec := Record{ID: "1", RunID: "r1", Key: "k", Value: "v", Embedding: []float32{1, 0}, CreatedAt: time.Now()}
	if err := idx.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}

	fresh, _ := NewFileIndex(dir)
	hits, err := fresh.Search(ctx, "r1", []float32{1, 0}, 5)
	if err != nil || len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("reloaded search = %+v, %v", hits, err)
	}

	if err := fresh.Drop(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	again, _ := NewFileIndex(dir)
	hits, _ = again.Search(ctx, "r1", []float32{1, 0}, 5)
	if len(hits) != 0 {
		t.Errorf("dropped run still has %d entries", len(hits))
	}
}

func newSubstrate(t *testing.T, retain bool) (*Substrate, *LongTerm) {
	t.Helper()
	emb := embedding.NewHashProvider(256)
	lt := openLongTerm(t, filepath.Join(t.TempDir(), "lt.db"))
	t.Cleanup(func() { lt.Close() })
	sub := NewSubstrate(lt,
		NewShortTerm(emb, newFileIndex(t), 3, zap.NewNop()),
		NewEntity(emb, newFileIndex(t), 3, zap.NewNop()),
		window.NewManager(4000, zap.NewNop()),
		Options{TopK: 3, RetainIndex: retain},
		zap.NewNop())
	return sub, lt
}

func TestSubstrateAbsorbThenAssemble(t *testing.T) {
	ctx := context.Background()
	sub, _ := newSubstrate(t, false)

	out := "Design: module game_engine.py with class GameEngine tracking the board."
	if err := sub.Absorb(ctx, AbsorbRequest{RunID: "r1", TaskID: "design_task", Output: out, MemoryEnabled: true}); err != nil {
		t.Fatalf("absorb: %v", err)
	}

	got := sub.Assemble(ctx, AssembleRequest{
		RunID:         "r1",
		TaskID:        "backend_code_task",
		Description:   "Implement the GameEngine board",
		Dependencies:  []Dependency{{TaskID: "design_task", Output: out}},
		LongTermKeys:  []string{"design_*"},
		MemoryEnabled: true,
	})
	for _, want := range []string{"[Outputs of prior tasks]", "## design_task", "[Long-term memory]", "[Known entities]", "game_engine", "[Related notes from this run]"} {
		if !strings.Contains(got, want) {
			t.Errorf("assembled context missing %q:\n%s", want, got)
		}
	}

	v, ok, err := sub.Latest(ctx, "design_task")
	if err != nil || !ok || v != out {
		t.Errorf("latest = %q %v %v", v, ok, err)
	}
}

func TestSubstrateMemoryDisabled(t *testing.T) {
	ctx := context.Background()
	sub, lt := newSubstrate(t, false)

	if err := sub.Absorb(ctx, AbsorbRequest{RunID: "r1", TaskID: "audit", Output: "class Audit", MemoryEnabled: false}); err != nil {
		t.Fatal(err)
	}
	recs, _ := lt.Query(ctx, Criteria{Key: "audit"})
	if len(recs) != 1 {
		t.Errorf("long-term fact should be written even without memory, got %d", len(recs))
	}
	hits, _ := sub.short.Query(ctx, Criteria{RunID: "r1", Text: "audit"})
	if len(hits) != 0 {
		t.Errorf("short-term should be untouched, got %d hits", len(hits))
	}

	got := sub.Assemble(ctx, AssembleRequest{RunID: "r1", TaskID: "t", Description: "audit", MemoryEnabled: false})
	if strings.Contains(got, "Known entities") || strings.Contains(got, "Related notes") {
		t.Errorf("recall sections present with memory disabled: %s", got)
	}
}

func TestSubstrateRelease(t *testing.T) {
	ctx := context.Background()
	for _, retain := range []bool{false, true} {
		sub, _ := newSubstrate(t, retain)
		sub.Absorb(ctx, AbsorbRequest{RunID: "r1", TaskID: "t", Output: "class Board", MemoryEnabled: true})
		if err := sub.Release(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		hits, _ := sub.short.Query(ctx, Criteria{RunID: "r1", Text: "board"})
		if retain && len(hits) == 0 {
			t.Error("retained index was dropped")
		}
		if !retain && len(hits) != 0 {
			t.Error("index survived release")
		}
	}
}

func TestKeywordScore(t *testing.T) {
	hi := KeywordScore("write the backend code", "Backend Engineer writes backend python code")
	lo := KeywordScore("write the backend code", "Frontend designer building gradio layouts")
	if hi <= lo || lo != 0 {
		t.Errorf("hi=%f lo=%f", hi, lo)
	}
	if KeywordScore("", "anything") != 0 {
		t.Error("empty query should score 0")
	}
}
