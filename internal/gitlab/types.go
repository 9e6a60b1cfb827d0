package gitlab

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/store"
	glab "gitlab.com/gitlab-org/api/client-go"
)

// Project identifies one forge project under a monitored group.
type Project struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	FullPath       string     `json:"path_with_namespace"`
	WebURL         string     `json:"web_url"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// ProjectActivity couples a project with the pipelines an incremental scan
// found updated inside its window.
type ProjectActivity struct {
	Project   Project
	Pipelines []store.Pipeline
}

// PipelineGID renders the GraphQL global ID of a CI pipeline.
func PipelineGID(id int64) string {
	return fmt.Sprintf("gid://gitlab/Ci::Pipeline/%d", id)
}

// ParseGID extracts the numeric tail of a GraphQL global ID such as
// gid://gitlab/Ci::Pipeline/12345. A bare number parses as itself.
func ParseGID(gid string) (int64, error) {
	tail := gid
	if idx := strings.LastIndexByte(gid, '/'); idx >= 0 {
		tail = gid[idx+1:]
	}

	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed global id %q: %w", gid, err)
	}

	return id, nil
}

// durationSeconds resolves an observed duration. An explicit positive value
// wins; otherwise the finished-created span is used when positive. Zero and
// negative inputs mean the duration is unknown.
func durationSeconds(explicit int64, createdAt int64, finishedAt *int64) *int64 {
	if explicit > 0 {
		return &explicit
	}

	if finishedAt != nil {
		if span := *finishedAt - createdAt; span > 0 {
			return &span
		}
	}

	return nil
}

// newProject maps a REST project row into the domain form.
func newProject(p *glab.Project) Project {
	return Project{
		ID:             p.ID,
		Name:           p.Name,
		FullPath:       p.PathWithNamespace,
		WebURL:         p.WebURL,
		LastActivityAt: p.LastActivityAt,
	}
}

// pipelineFromScan maps a GraphQL scan row into a fact row. Scan rows carry
// global IDs and enum-cased statuses, and the query does not request a web
// URL, so one is synthesized from the project's.
func pipelineFromScan(p scanPipeline, project Project) (store.Pipeline, error) {
	id, err := ParseGID(p.ID)
	if err != nil {
		return store.Pipeline{}, err
	}

	var createdAt int64
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt.Unix()
	}

	var finishedAt *int64

	if p.FinishedAt != nil {
		ts := p.FinishedAt.Unix()
		finishedAt = &ts
	}

	var userName string
	if p.User != nil {
		userName = p.User.Name
	}

	webURL := fmt.Sprintf("%s/-/pipelines/%d", strings.TrimRight(project.WebURL, "/"), id)

	return store.Pipeline{
		ID:              id,
		ProjectID:       project.ID,
		ProjectName:     project.Name,
		ProjectFullPath: project.FullPath,
		RefName:         p.Ref,
		UserName:        userName,
		SHA:             p.SHA,
		Status:          strings.ToLower(p.Status),
		CreatedAt:       createdAt,
		FinishedAt:      finishedAt,
		Duration:        durationSeconds(p.Duration, createdAt, finishedAt),
		WebURL:          &webURL,
	}, nil
}

// pipelineFromREST maps a REST pipeline list row into a fact row. The list
// endpoint reports neither a user nor a finishing timestamp; updated_at
// stands in for the latter and feeds the computed duration.
func pipelineFromREST(p *glab.PipelineInfo, project Project) store.Pipeline {
	var createdAt int64
	if p.CreatedAt != nil {
		createdAt = p.CreatedAt.Unix()
	}

	var finishedAt *int64

	if p.UpdatedAt != nil {
		ts := p.UpdatedAt.Unix()
		finishedAt = &ts
	}

	var webURL *string

	if p.WebURL != "" {
		u := p.WebURL
		webURL = &u
	}

	return store.Pipeline{
		ID:              p.ID,
		ProjectID:       project.ID,
		ProjectName:     project.Name,
		ProjectFullPath: project.FullPath,
		RefName:         p.Ref,
		SHA:             p.SHA,
		Status:          strings.ToLower(p.Status),
		CreatedAt:       createdAt,
		FinishedAt:      finishedAt,
		Duration:        durationSeconds(0, createdAt, finishedAt),
		WebURL:          webURL,
	}
}
