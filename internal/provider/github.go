package provider

import (
	"fmt"
	"strconv"

	"github.com/google/go-github/v71/github"
	"github.com/google/uuid"

	"github.com/opsgrid/intermap/internal/reconcile"
)

// Translation groups the sync requests derived from one webhook event.
// Repository links the event's repository to its registry row and must
// reconcile before the issues so their sync can be gated on it. Labels
// must reconcile before Issues so the canonical tags exist when the task
// referencing them is written; the webhook handler runs them sequentially
// and rides the resulting tag ids on the issue payload. Retired names
// records the provider has deleted.
type Translation struct {
	Repository *reconcile.SyncRequest
	Labels     []reconcile.SyncRequest
	Issues     []reconcile.SyncRequest
	Retired    []reconcile.ExternalKey
}

// Empty reports whether the translation carries nothing to reconcile.
func (t *Translation) Empty() bool {
	return t == nil ||
		(t.Repository == nil && len(t.Labels) == 0 && len(t.Issues) == 0 && len(t.Retired) == 0)
}

// GitHubTranslator turns typed GitHub webhook events into sync requests.
type GitHubTranslator struct {
	identity Identity
}

// NewGitHubTranslator binds the translator to a tenant identity.
func NewGitHubTranslator(identity Identity) *GitHubTranslator {
	return &GitHubTranslator{identity: identity}
}

// Translate maps one parsed webhook event to its sync requests. Events the
// engine does not reconcile yield an empty translation, not an error.
func (g *GitHubTranslator) Translate(event any) (*Translation, error) {
	switch e := event.(type) {
	case *github.IssuesEvent:
		return g.translateIssuesEvent(e)
	case *github.LabelEvent:
		return g.translateLabelEvent(e)
	default:
		return &Translation{}, nil
	}
}

// issueActions lists the issue webhook actions that carry reconcilable
// state. Everything else (locked, pinned, transferred) is ignored.
var issueActions = map[string]bool{
	"opened":    true,
	"edited":    true,
	"reopened":  true,
	"closed":    true,
	"labeled":   true,
	"unlabeled": true,
}

func (g *GitHubTranslator) translateIssuesEvent(e *github.IssuesEvent) (*Translation, error) {
	issue := e.GetIssue()
	if issue == nil {
		return nil, fmt.Errorf("provider: issues event %q without issue", e.GetAction())
	}

	sourceID := strconv.FormatInt(issue.GetID(), 10)

	if e.GetAction() == "deleted" {
		return &Translation{
			Retired: []reconcile.ExternalKey{g.key(reconcile.KindIssue, sourceID)},
		}, nil
	}

	if !issueActions[e.GetAction()] {
		return &Translation{}, nil
	}

	tr := &Translation{}

	if repo := e.GetRepo(); repo != nil {
		req := g.RepositoryRequest(repo)
		tr.Repository = &req
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
		tr.Labels = append(tr.Labels, g.labelRequest(l))
	}

	payload := reconcile.Payload{
		"title":  issue.GetTitle(),
		"state":  issue.GetState(),
		"body":   issue.GetBody(),
		"number": issue.GetNumber(),
	}
	if len(labels) > 0 {
		payload["labels"] = labels
	}

	req := g.request(reconcile.KindIssue, sourceID, payload)
	req.TriggeredEvent = true

	tr.Issues = []reconcile.SyncRequest{req}

	return tr, nil
}

func (g *GitHubTranslator) translateLabelEvent(e *github.LabelEvent) (*Translation, error) {
	label := e.GetLabel()
	if label == nil {
		return nil, fmt.Errorf("provider: label event %q without label", e.GetAction())
	}

	sourceID := strconv.FormatInt(label.GetID(), 10)

	switch e.GetAction() {
	case "created", "edited":
	case "deleted":
		return &Translation{
			Retired: []reconcile.ExternalKey{g.key(reconcile.KindLabel, sourceID)},
		}, nil
	default:
		return &Translation{}, nil
	}

	req := g.labelRequest(label)
	req.TriggeredEvent = true

	return &Translation{Labels: []reconcile.SyncRequest{req}}, nil
}

func (g *GitHubTranslator) labelRequest(l *github.Label) reconcile.SyncRequest {
	return g.request(reconcile.KindLabel, strconv.FormatInt(l.GetID(), 10), reconcile.Payload{
		"name":        l.GetName(),
		"color":       l.GetColor(),
		"description": l.GetDescription(),
	})
}

// RepositoryRequest builds the mapping-only request that links a GitHub
// repository to its registry row. The registry row id is derived from the
// repository's source id, so every delivery for the same repository links
// the same row.
func (g *GitHubTranslator) RepositoryRequest(repo *github.Repository) reconcile.SyncRequest {
	sourceID := strconv.FormatInt(repo.GetID(), 10)

	req := g.request(reconcile.KindRepository, sourceID, reconcile.Payload{
		"name":  repo.GetName(),
		"owner": repo.GetOwner().GetLogin(),
	})
	req.CanonicalID = g.registryID(sourceID)

	return req
}

// registryID names the registry row for a repository deterministically
// within the integration.
func (g *GitHubTranslator) registryID(sourceID string) string {
	name := g.identity.IntegrationID + "/repository/" + sourceID
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func (g *GitHubTranslator) request(kind reconcile.EntityKind, sourceID string, payload reconcile.Payload) reconcile.SyncRequest {
	return reconcile.SyncRequest{
		TenantID:       g.identity.TenantID,
		OrganizationID: g.identity.OrganizationID,
		IntegrationID:  g.identity.IntegrationID,
		Kind:           kind,
		SourceID:       sourceID,
		Payload:        payload,
	}
}

func (g *GitHubTranslator) key(kind reconcile.EntityKind, sourceID string) reconcile.ExternalKey {
	return reconcile.ExternalKey{
		TenantID:       g.identity.TenantID,
		OrganizationID: g.identity.OrganizationID,
		IntegrationID:  g.identity.IntegrationID,
		Kind:           kind,
		SourceID:       sourceID,
	}
}
