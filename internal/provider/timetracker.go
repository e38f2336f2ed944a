package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/opsgrid/intermap/internal/reconcile"
)

// Wire types for the time-tracking provider API. Responses carry a list
// plus an optional pagination cursor.
type (
	trackerOrganization struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}

	trackerProject struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}

	trackerTask struct {
		ID        int64  `json:"id"`
		ProjectID int64  `json:"project_id"`
		Summary   string `json:"summary"`
		Status    string `json:"status"`
		DueAt     string `json:"due_at"`
	}

	trackerActivity struct {
		ID        int64  `json:"id"`
		TaskID    int64  `json:"task_id"`
		UserID    int64  `json:"user_id"`
		StartsAt  string `json:"starts_at"`
		Tracked   int    `json:"tracked"` // seconds
		Keyboard  int    `json:"keyboard"`
		Mouse     int    `json:"mouse"`
		Overall   int    `json:"overall"`
		Client    string `json:"client"`
		ProjectID int64  `json:"project_id"`
	}

	trackerScreenshot struct {
		ID         int64  `json:"id"`
		TimeSlot   string `json:"time_slot"`
		FullURL    string `json:"full_url"`
		ThumbURL   string `json:"thumb_url"`
		RecordedAt string `json:"recorded_at"`
	}

	pagination struct {
		NextPageStartID *int64 `json:"next_page_start_id"`
	}
)

// Identity pins the tenant context every produced sync request carries.
type Identity struct {
	TenantID       string
	OrganizationID string
	IntegrationID  string
}

// TimeTracker is a reconcile.Fetcher over the provider's poll API. Fetches
// are scoped per the orchestrator's walk: projects under an organization,
// tasks and activity-derived kinds under a project.
type TimeTracker struct {
	client   *Client
	identity Identity
}

// NewTimeTracker binds a provider client to a tenant identity.
func NewTimeTracker(client *Client, identity Identity) *TimeTracker {
	return &TimeTracker{client: client, identity: identity}
}

// Fetch pulls one entity kind's batch within scope.
func (t *TimeTracker) Fetch(ctx context.Context, kind reconcile.EntityKind, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	switch kind {
	case reconcile.KindOrganization:
		return t.fetchOrganizations(ctx)
	case reconcile.KindProject:
		return t.fetchProjects(ctx, scope)
	case reconcile.KindTask:
		return t.fetchTasks(ctx, scope)
	case reconcile.KindActivity:
		return t.fetchActivities(ctx, scope)
	case reconcile.KindScreenshot:
		return t.fetchScreenshots(ctx, scope)
	case reconcile.KindTimeLog:
		return t.fetchTimeLogs(ctx, scope)
	default:
		return nil, &reconcile.UnknownKindError{Kind: string(kind)}
	}
}

func (t *TimeTracker) request(kind reconcile.EntityKind, sourceID string, payload reconcile.Payload) reconcile.SyncRequest {
	return reconcile.SyncRequest{
		TenantID:       t.identity.TenantID,
		OrganizationID: t.identity.OrganizationID,
		IntegrationID:  t.identity.IntegrationID,
		Kind:           kind,
		SourceID:       sourceID,
		Payload:        payload,
	}
}

func (t *TimeTracker) fetchOrganizations(ctx context.Context) ([]reconcile.SyncRequest, error) {
	var reqs []reconcile.SyncRequest

	err := paginate(ctx, t.client, "/organizations", nil, func(page []trackerOrganization) {
		for _, org := range page {
			reqs = append(reqs, t.request(reconcile.KindOrganization, formatID(org.ID), reconcile.Payload{
				"name": org.Name,
			}))
		}
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

func (t *TimeTracker) fetchProjects(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	path := "/projects"
	if scope.Organization != nil {
		path = "/organizations/" + scope.Organization.SourceID + "/projects"
	}

	var reqs []reconcile.SyncRequest

	err := paginate(ctx, t.client, path, nil, func(page []trackerProject) {
		for _, p := range page {
			reqs = append(reqs, t.request(reconcile.KindProject, formatID(p.ID), reconcile.Payload{
				"name":   p.Name,
				"status": p.Status,
			}))
		}
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

func (t *TimeTracker) fetchTasks(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	project, err := requireProject(scope)
	if err != nil {
		return nil, err
	}

	var reqs []reconcile.SyncRequest

	err = paginate(ctx, t.client, "/projects/"+project+"/tasks", nil, func(page []trackerTask) {
		for _, task := range page {
			payload := reconcile.Payload{
				"title": task.Summary,
				"state": task.Status,
			}
			if task.DueAt != "" {
				payload["due_at"] = task.DueAt
			}

			reqs = append(reqs, t.request(reconcile.KindTask, formatID(task.ID), payload))
		}
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

func (t *TimeTracker) fetchActivities(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	slots, err := t.fetchSlots(ctx, scope)
	if err != nil {
		return nil, err
	}

	reqs := make([]reconcile.SyncRequest, 0, len(slots))

	for _, s := range slots {
		reqs = append(reqs, t.request(reconcile.KindActivity, s.SourceID, reconcile.Payload{
			"title":      "activity " + s.SourceID,
			"started_at": s.StartsAt.UTC().Format(time.RFC3339),
			"duration":   int(s.Tracked / time.Second),
			"keyboard":   s.Keyboard,
			"mouse":      s.Mouse,
			"overall":    s.Overall,
			"task_id":    s.TaskID,
		}))
	}

	return reqs, nil
}

func (t *TimeTracker) fetchScreenshots(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	project, err := requireProject(scope)
	if err != nil {
		return nil, err
	}

	query := timeWindow(scope)

	var reqs []reconcile.SyncRequest

	err = paginate(ctx, t.client, "/projects/"+project+"/screenshots", query, func(page []trackerScreenshot) {
		for _, shot := range page {
			reqs = append(reqs, t.request(reconcile.KindScreenshot, formatID(shot.ID), reconcile.Payload{
				"recorded_at": shot.RecordedAt,
				"file_url":    shot.FullURL,
				"thumb_url":   shot.ThumbURL,
			}))
		}
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

// fetchTimeLogs pulls the project's activity slots and assembles them into
// contiguous time logs. Slot runs arrive in fixed-width intervals; one work
// session becomes one log.
func (t *TimeTracker) fetchTimeLogs(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.SyncRequest, error) {
	slots, err := t.fetchSlots(ctx, scope)
	if err != nil {
		return nil, err
	}

	logs := reconcile.AssembleTimeLogs(slots)
	reqs := make([]reconcile.SyncRequest, 0, len(logs))

	for _, l := range logs {
		reqs = append(reqs, t.request(reconcile.KindTimeLog, l.SourceID, reconcile.Payload{
			"started_at": l.StartedAt.UTC().Format(time.RFC3339),
			"stopped_at": l.StoppedAt.UTC().Format(time.RFC3339),
			"log_type":   l.LogType,
			"task_id":    l.TaskID,
			"user_id":    l.UserID,
		}))
	}

	return reqs, nil
}

// fetchSlots pulls raw activity slots for the scoped project and window.
func (t *TimeTracker) fetchSlots(ctx context.Context, scope reconcile.FetchScope) ([]reconcile.Slot, error) {
	project, err := requireProject(scope)
	if err != nil {
		return nil, err
	}

	query := timeWindow(scope)

	var slots []reconcile.Slot

	err = paginate(ctx, t.client, "/projects/"+project+"/activities", query, func(page []trackerActivity) {
		for _, a := range page {
			startsAt, parseErr := time.Parse(time.RFC3339, a.StartsAt)
			if parseErr != nil {
				// Unparseable rows are provider noise; skip rather than
				// abort the whole window.
				continue
			}

			slots = append(slots, reconcile.Slot{
				SourceID:  formatID(a.ID),
				UserID:    formatID(a.UserID),
				ProjectID: formatID(a.ProjectID),
				TaskID:    formatID(a.TaskID),
				StartsAt:  startsAt,
				Tracked:   time.Duration(a.Tracked) * time.Second,
				Keyboard:  a.Keyboard,
				Mouse:     a.Mouse,
				Overall:   a.Overall,
				Client:    a.Client,
			})
		}
	})
	if err != nil {
		return nil, err
	}

	return slots, nil
}

// paginate walks a cursor-paginated list endpoint, invoking visit per page.
func paginate[T any](ctx context.Context, c *Client, path string, query url.Values, visit func([]T)) error {
	var cursor *int64

	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}

		if cursor != nil {
			q.Set("page_start_id", strconv.FormatInt(*cursor, 10))
		}

		var page struct {
			Items      []T        `json:"items"`
			Pagination pagination `json:"pagination"`
		}

		if err := c.getJSON(ctx, path, q, &page); err != nil {
			return err
		}

		visit(page.Items)

		if page.Pagination.NextPageStartID == nil {
			return nil
		}

		cursor = page.Pagination.NextPageStartID
	}
}

func requireProject(scope reconcile.FetchScope) (string, error) {
	if scope.Project == nil {
		return "", fmt.Errorf("provider: fetch requires a project scope")
	}

	return scope.Project.SourceID, nil
}

// timeWindow converts the scope's since/until bounds to query parameters.
func timeWindow(scope reconcile.FetchScope) url.Values {
	q := url.Values{}

	if !scope.Since.IsZero() {
		q.Set("time_slot[start]", scope.Since.UTC().Format(time.RFC3339))
	}

	if !scope.Until.IsZero() {
		q.Set("time_slot[stop]", scope.Until.UTC().Format(time.RFC3339))
	}

	return q
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
