package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
)

const (
	defaultLinearEndpoint = "https://api.linear.app/graphql"
	callTimeout           = 10 * time.Second
)

// Linear syncs feature pipelines to Linear issues over its GraphQL API.
// Issues move through the team's workflow states by state type, so the hook
// works with renamed workflows: "started" on pipeline start, "completed" on
// success. Failures prefer a state literally named "Failing" or "Blocked"
// and otherwise leave the state alone, commenting either way.
type Linear struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *slog.Logger

	mu sync.Mutex
	// issue id → workflow states of the issue's team
	states map[string][]workflowState
}

// LinearOption customizes a Linear hook.
type LinearOption func(*Linear)

// WithEndpoint overrides the GraphQL endpoint. Used in tests.
func WithEndpoint(url string) LinearOption {
	return func(l *Linear) {
		if url != "" {
			l.endpoint = url
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) LinearOption {
	return func(l *Linear) { l.httpClient = c }
}

// NewLinear creates a Linear hook. Returns nil when the API key is empty;
// callers substitute the no-op hook in that case.
func NewLinear(apiKey string, opts ...LinearOption) *Linear {
	if apiKey == "" {
		return nil
	}
	l := &Linear{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   defaultLinearEndpoint,
		apiKey:     apiKey,
		logger:     slog.Default().With("component", "tracker.linear"),
		states:     make(map[string][]workflowState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnPipelineStart moves the linked issue into the team's started state.
func (l *Linear) OnPipelineStart(ctx context.Context, feature *models.Feature) {
	if l == nil || feature == nil || feature.TrackerIssueID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	l.moveIssue(ctx, feature, []string{"in progress"}, "started")
}

// OnPipelineSuccess moves the issue to the completed state and comments
// with the feature branch.
func (l *Linear) OnPipelineSuccess(ctx context.Context, feature *models.Feature) {
	if l == nil || feature == nil || feature.TrackerIssueID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	l.moveIssue(ctx, feature, []string{"done"}, "completed")

	body := fmt.Sprintf("Pipeline completed for **%s**. Branch `%s` is ready for review.",
		feature.Name, feature.BranchName())
	l.comment(ctx, feature, body)
}

// OnPipelineFailure comments with the failure reason and, when the team has
// a matching state, moves the issue there.
func (l *Linear) OnPipelineFailure(ctx context.Context, feature *models.Feature, reason string) {
	if l == nil || feature == nil || feature.TrackerIssueID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// No workflow-state-type fallback here: most teams have no failure
	// state, and moving a failed feature back to backlog would be wrong.
	l.moveIssue(ctx, feature, []string{"failing", "blocked"}, "")

	body := fmt.Sprintf("Pipeline failed for **%s**: %s", feature.Name, reason)
	l.comment(ctx, feature, body)
}

// ────────────────────────────────────────────────────────────
// GraphQL operations
// ────────────────────────────────────────────────────────────

type workflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

const issueStatesQuery = `query IssueStates($id: String!) {
  issue(id: $id) {
    id
    team { states { nodes { id name type } } }
  }
}`

const issueUpdateMutation = `mutation MoveIssue($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) { success }
}`

const commentCreateMutation = `mutation CommentCreate($id: String!, $body: String!) {
  commentCreate(input: { issueId: $id, body: $body }) { success }
}`

// moveIssue resolves the target workflow state by name (first match wins)
// or state type and updates the issue. Resolution misses and API errors
// are logged and swallowed.
func (l *Linear) moveIssue(ctx context.Context, feature *models.Feature, names []string, stateType string) {
	issueID := feature.TrackerIssueID
	states, err := l.teamStates(ctx, issueID)
	if err != nil {
		l.logger.Warn("Failed to resolve tracker workflow states",
			"feature_id", feature.ID, "issue_id", issueID, "error", err)
		return
	}

	stateID := pickState(states, names, stateType)
	if stateID == "" {
		l.logger.Debug("No matching tracker state, leaving issue unchanged",
			"feature_id", feature.ID, "issue_id", issueID, "names", names, "type", stateType)
		return
	}

	var out struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	err = l.do(ctx, issueUpdateMutation, map[string]any{"id": issueID, "stateId": stateID}, &out)
	if err != nil {
		l.logger.Warn("Failed to move tracker issue",
			"feature_id", feature.ID, "issue_id", issueID, "error", err)
		return
	}
	if !out.IssueUpdate.Success {
		l.logger.Warn("Tracker rejected issue update",
			"feature_id", feature.ID, "issue_id", issueID)
	}
}

func (l *Linear) comment(ctx context.Context, feature *models.Feature, body string) {
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	err := l.do(ctx, commentCreateMutation, map[string]any{"id": feature.TrackerIssueID, "body": body}, &out)
	if err != nil {
		l.logger.Warn("Failed to comment on tracker issue",
			"feature_id", feature.ID, "issue_id", feature.TrackerIssueID, "error", err)
	}
}

// teamStates returns the workflow states of the issue's team, cached per
// issue for the process lifetime.
func (l *Linear) teamStates(ctx context.Context, issueID string) ([]workflowState, error) {
	l.mu.Lock()
	cached, ok := l.states[issueID]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var out struct {
		Issue struct {
			ID   string `json:"id"`
			Team struct {
				States struct {
					Nodes []workflowState `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		} `json:"issue"`
	}
	if err := l.do(ctx, issueStatesQuery, map[string]any{"id": issueID}, &out); err != nil {
		return nil, err
	}
	states := out.Issue.Team.States.Nodes

	l.mu.Lock()
	l.states[issueID] = states
	l.mu.Unlock()
	return states, nil
}

// pickState prefers an exact name match (case-insensitive, in order) and
// falls back to the first state of the given type. Empty when nothing fits.
func pickState(states []workflowState, names []string, stateType string) string {
	for _, want := range names {
		for _, s := range states {
			if strings.EqualFold(s.Name, want) {
				return s.ID
			}
		}
	}
	if stateType == "" {
		return ""
	}
	for _, s := range states {
		if s.Type == stateType {
			return s.ID
		}
	}
	return ""
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// do posts one GraphQL operation and unmarshals the data envelope into out.
func (l *Linear) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post graphql: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tracker returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
