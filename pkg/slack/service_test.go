package slack

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlackAPI mocks the two Web API methods the service uses. postMessage
// responses hand out sequential timestamps.
type fakeSlackAPI struct {
	mu          sync.Mutex
	posts       []url.Values
	historyText string
	historyTS   string
}

func (f *fakeSlackAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch {
		case strings.HasSuffix(r.URL.Path, "chat.postMessage"):
			f.mu.Lock()
			f.posts = append(f.posts, r.Form)
			n := len(f.posts)
			f.mu.Unlock()
			fmt.Fprintf(w, `{"ok":true,"channel":"C1","ts":"100.%03d"}`, n)
		case strings.HasSuffix(r.URL.Path, "conversations.history"):
			f.mu.Lock()
			text, ts := f.historyText, f.historyTS
			f.mu.Unlock()
			if ts == "" {
				_, _ = w.Write([]byte(`{"ok":true,"messages":[]}`))
				return
			}
			fmt.Fprintf(w, `{"ok":true,"messages":[{"type":"message","text":%q,"ts":%q}]}`, text, ts)
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}
}

func (f *fakeSlackAPI) postedForms() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]url.Values, len(f.posts))
	copy(out, f.posts)
	return out
}

func newTestService(t *testing.T, fake *fakeSlackAPI) *Service {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewClientWithAPIURL("xoxb-test", "C1", srv.URL+"/")
	return NewServiceWithClient(client, "https://dash.example.com")
}

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	// Should not panic.
	s.NotifyPipelineStarted(context.Background(), "feat-1", "login")
	s.NotifyPipelineCompleted(context.Background(), PipelineCompletedInput{
		FeatureID: "feat-1",
		Status:    StatusSucceeded,
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, svc)
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{
			Token:        "xoxb-test",
			Channel:      "C123",
			DashboardURL: "https://example.com",
		})
		assert.NotNil(t, svc)
	})
}

func TestService_TerminalNotificationThreadsUnderStart(t *testing.T) {
	fake := &fakeSlackAPI{}
	svc := newTestService(t, fake)

	svc.NotifyPipelineStarted(context.Background(), "feat-1", "login flow")
	svc.NotifyPipelineCompleted(context.Background(), PipelineCompletedInput{
		FeatureID:   "feat-1",
		FeatureName: "login flow",
		Status:      StatusSucceeded,
		Branch:      "agent/feat-1",
	})

	posts := fake.postedForms()
	require.Len(t, posts, 2)
	assert.Empty(t, posts[0].Get("thread_ts"), "start message posts to the channel")
	assert.Equal(t, "100.001", posts[1].Get("thread_ts"), "terminal message threads under the start ts")
	assert.Contains(t, posts[1].Get("blocks"), "Pipeline Succeeded")
}

func TestService_TerminalNotificationFindsThreadByFingerprint(t *testing.T) {
	// Fresh service: simulates a restart that lost the thread map.
	fake := &fakeSlackAPI{
		historyText: "Pipeline started for login flow (feature feat-1)",
		historyTS:   "55.555",
	}
	svc := newTestService(t, fake)

	svc.NotifyPipelineCompleted(context.Background(), PipelineCompletedInput{
		FeatureID:    "feat-1",
		FeatureName:  "login flow",
		Status:       StatusFailed,
		ErrorMessage: "tester stage failed",
	})

	posts := fake.postedForms()
	require.Len(t, posts, 1)
	assert.Equal(t, "55.555", posts[0].Get("thread_ts"))
	assert.Contains(t, posts[0].Get("blocks"), "Pipeline Failed")
}

func TestService_TerminalNotificationWithoutThreadPostsToChannel(t *testing.T) {
	fake := &fakeSlackAPI{} // empty history
	svc := newTestService(t, fake)

	svc.NotifyPipelineCompleted(context.Background(), PipelineCompletedInput{
		FeatureID:   "feat-9",
		FeatureName: "search",
		Status:      StatusSucceeded,
	})

	posts := fake.postedForms()
	require.Len(t, posts, 1)
	assert.Empty(t, posts[0].Get("thread_ts"))
}
