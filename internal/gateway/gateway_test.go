package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/orchestrator"
)

type fakeAdapter struct {
	platform   string
	connectErr error
	sendErr    error
	mu         sync.Mutex
	sent       []*Notice
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Connect(context.Context) error { return f.connectErr }

func (f *fakeAdapter) Send(_ context.Context, n *Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeAdapter) Status() AdapterStatus { return AdapterStatus{Platform: f.platform} }

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) notices() []*Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Notice(nil), f.sent...)
}

func TestGatewayBroadcast(t *testing.T) {
	gw := NewGateway(zap.NewNop())
	slackA := &fakeAdapter{platform: "slack"}
	discordA := &fakeAdapter{platform: "discord"}
	gw.Register(slackA)
	gw.Register(discordA)

	if err := gw.Broadcast(context.Background(), &Notice{Type: NoticeRunStarted, Title: "all"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := gw.Broadcast(context.Background(), &Notice{Type: NoticeRunStarted, Title: "slack only", Platforms: []string{"slack"}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(slackA.notices()) != 2 || len(discordA.notices()) != 1 {
		t.Errorf("slack=%d discord=%d", len(slackA.notices()), len(discordA.notices()))
	}
	if got := strings.Join(gw.Adapters(), ","); got != "discord,slack" {
		t.Errorf("adapters = %s", got)
	}

	discordA.sendErr = errors.New("rate limited")
	if err := gw.Broadcast(context.Background(), &Notice{Type: NoticeRunStarted}); err == nil {
		t.Error("expected error when one platform fails")
	}
}

func TestConnectAllDropsFailedAdapters(t *testing.T) {
	gw := NewGateway(zap.NewNop())
	gw.Register(&fakeAdapter{platform: "slack"})
	gw.Register(&fakeAdapter{platform: "discord", connectErr: errors.New("bad token")})

	if err := gw.ConnectAll(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if got := gw.Adapters(); len(got) != 1 || got[0] != "slack" {
		t.Errorf("adapters after connect = %v", got)
	}
}

func TestBroadcasterHistoryAndEvents(t *testing.T) {
	gw := NewGateway(zap.NewNop())
	a := &fakeAdapter{platform: "slack"}
	gw.Register(a)
	b := NewBroadcaster(gw, zap.NewNop())

	if err := b.Send(context.Background(), &Notice{}); err == nil {
		t.Error("notice without type must be rejected")
	}

	ctx := context.Background()
	b.Emit(ctx, orchestrator.Event{RunID: "r1", RunStatus: orchestrator.RunRunning})
	b.Emit(ctx, orchestrator.Event{RunID: "r1", TaskID: "design", From: orchestrator.StatusPending, To: orchestrator.StatusAssigned})
	b.Emit(ctx, orchestrator.Event{
		RunID:     "r1",
		TaskID:    "backend",
		From:      orchestrator.StatusRunning,
		To:        orchestrator.StatusFailed,
		WorkerID:  "backend_engineer",
		ErrorKind: "RetryExhaustedError",
		Error:     "gave up",
	})

	sent := a.notices()
	if len(sent) != 2 {
		t.Fatalf("sent %d notices, want run start and task failure", len(sent))
	}
	if sent[0].Type != NoticeRunStarted || sent[1].Type != NoticeTaskFailed {
		t.Errorf("types = %s, %s", sent[0].Type, sent[1].Type)
	}
	if !strings.Contains(sent[1].Content, "backend_engineer") || !strings.Contains(sent[1].Content, "RetryExhaustedError") {
		t.Errorf("failure content = %q", sent[1].Content)
	}

	h := b.History(1)
	if len(h) != 1 || h[0].Notice.Type != NoticeTaskFailed || h[0].Targets[0] != "slack" {
		t.Errorf("history = %+v", h)
	}
	if len(b.History(0)) != 2 {
		t.Errorf("full history = %d", len(b.History(0)))
	}
}

func TestRunNotice(t *testing.T) {
	start := time.Now()
	report := &orchestrator.Report{
		RunID:  "r9",
		Status: orchestrator.RunAborted,
		Tasks: []orchestrator.TaskReport{
			{TaskID: "design", Status: orchestrator.StatusSucceeded},
			{TaskID: "build", Status: orchestrator.StatusFailed},
		},
		Failure:    &orchestrator.Failure{TaskID: "build", Kind: "ExecutionTimeoutError", Message: "too slow"},
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}
	n := RunNotice(report, nil)
	if n.Title != "Run r9 aborted" || n.Priority != 1 {
		t.Errorf("notice = %+v", n)
	}
	for _, want := range []string{"1/2 tasks", "build (ExecutionTimeoutError)"} {
		if !strings.Contains(n.Content, want) {
			t.Errorf("content %q lacks %q", n.Content, want)
		}
	}

	report.Failure, report.Status = nil, orchestrator.RunSucceeded
	if n := RunNotice(report, []string{"main.py", "index.html"}); !strings.Contains(n.Content, "main.py, index.html") {
		t.Errorf("artifacts missing: %q", n.Content)
	}
}

func TestSlackAdapter(t *testing.T) {
	var (
		mu    sync.Mutex
		posts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth.test":
			w.Write([]byte(`{"ok":true,"user":"monkeybot","user_id":"U1","team":"acme"}`))
		case "/chat.postMessage":
			r.ParseForm()
			mu.Lock()
			posts = append(posts, r.Form.Get("channel")+"|"+r.Form.Get("text"))
			mu.Unlock()
			w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
		default:
			w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	defer srv.Close()

	a := NewSlackAdapter("xoxb-test", "C1", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := a.Status(); !st.Connected || !strings.Contains(st.Details, "monkeybot") {
		t.Errorf("status = %+v", st)
	}
	if err := a.Send(context.Background(), &Notice{Type: NoticeRunFinished, Title: "Run r1 succeeded", Content: "12/12"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 1 || !strings.HasPrefix(posts[0], "C1|*[run_finished] Run r1 succeeded*") {
		t.Errorf("posts = %v", posts)
	}
}

type fakeDiscord struct {
	channel string
	content string
	err     error
}

func (f *fakeDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel, f.content = channelID, content
	return &discordgo.Message{ID: "m1"}, f.err
}

func (f *fakeDiscord) Close() error { return nil }

func TestDiscordAdapter(t *testing.T) {
	a := NewDiscordAdapter("token", "D1", zap.NewNop())
	if err := a.Send(context.Background(), &Notice{Type: NoticeRunStarted}); err == nil {
		t.Error("send before connect should fail")
	}

	fake := &fakeDiscord{}
	a.session = fake
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	n := &Notice{Type: NoticeTaskFailed, Title: "Task x failed", Content: strings.Repeat("a", 3000)}
	if err := a.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.channel != "D1" || len(fake.content) != 2000 || !strings.HasPrefix(fake.content, "**[task_failed] Task x failed**") {
		t.Errorf("sent to %s: %d chars", fake.channel, len(fake.content))
	}

	fake.err = errors.New("missing access")
	if err := a.Send(context.Background(), n); err == nil {
		t.Error("expected send error")
	}
	if a.Status().Error == "" {
		t.Error("last error not recorded")
	}
}
