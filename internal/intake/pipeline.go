// Package intake drives a single report submission from photo capture to the
// persisted issue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"healmycity/api/internal/classify"
	"healmycity/api/internal/store"
)

type State string

const (
	StateCapturing  State = "capturing"
	StateAnalyzing  State = "analyzing"
	StateConfirming State = "confirming"
	StateSubmitted  State = "submitted"
)

var (
	// ErrMissingInput is returned when analysis starts without a photo or
	// location attached.
	ErrMissingInput = errors.New("photo and location required")
	// ErrInvalidState is returned when an operation does not apply to the
	// pipeline's current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
)

type Classifier interface {
	Classify(ctx context.Context, image []byte, filename string) (classify.Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, reporterID, filename string, data []byte, contentType string) (string, error)
}

type IssueCreator interface {
	CreateIssue(ctx context.Context, in store.NewIssue) (store.Issue, error)
}

// Edits are the reporter's corrections on the confirmation screen. Empty
// fields fall back to the analysis draft; severity is never editable.
type Edits struct {
	Title       string
	Description string
	Category    string
}

// Pipeline is the state machine behind one report submission. It is not safe
// for concurrent use; callers hold the owning session record's lock across
// each operation.
type Pipeline struct {
	reporterID string

	state       State
	image       []byte
	filename    string
	contentType string
	latitude    float64
	longitude   float64
	located     bool
	analysis    classify.Result
	issue       store.Issue

	classifier Classifier
	uploader   Uploader
	creator    IssueCreator
}

func New(reporterID string, classifier Classifier, uploader Uploader, creator IssueCreator) *Pipeline {
	return &Pipeline{
		reporterID: reporterID,
		state:      StateCapturing,
		classifier: classifier,
		uploader:   uploader,
		creator:    creator,
	}
}

func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) ReporterID() string { return p.reporterID }

// Analysis returns the draft produced by the classifier. Only meaningful in
// the confirming state.
func (p *Pipeline) Analysis() classify.Result { return p.analysis }

// Issue returns the persisted issue once the pipeline has submitted.
func (p *Pipeline) Issue() store.Issue { return p.issue }

func (p *Pipeline) HasImage() bool { return len(p.image) > 0 }

func (p *Pipeline) HasLocation() bool { return p.located }

// AttachImage records the captured photo. Allowed only while capturing;
// re-attaching replaces the previous photo.
func (p *Pipeline) AttachImage(image []byte, filename, contentType string) error {
	if p.state != StateCapturing {
		return ErrInvalidState
	}
	if len(image) == 0 {
		return ErrMissingInput
	}
	p.image = image
	p.filename = filename
	p.contentType = contentType
	return nil
}

func (p *Pipeline) SetLocation(latitude, longitude float64) error {
	if p.state != StateCapturing {
		return ErrInvalidState
	}
	p.latitude = latitude
	p.longitude = longitude
	p.located = true
	return nil
}

// Analyze runs the classifier once. On failure the pipeline returns to
// capturing with the photo and location intact, so the reporter can retry
// without recapturing.
func (p *Pipeline) Analyze(ctx context.Context) (classify.Result, error) {
	if p.state != StateCapturing {
		return classify.Result{}, ErrInvalidState
	}
	if len(p.image) == 0 || !p.located {
		return classify.Result{}, ErrMissingInput
	}

	p.state = StateAnalyzing
	result, err := p.classifier.Classify(ctx, p.image, p.filename)
	if err != nil {
		p.state = StateCapturing
		return classify.Result{}, err
	}

	p.analysis = result
	p.state = StateConfirming
	return result, nil
}

// Confirm is the commit point: upload the photo, then persist the issue.
// Either failure leaves the pipeline confirming so the reporter can retry;
// a retried confirm uploads under a fresh key, so a stray object from a
// half-failed attempt is tolerated.
func (p *Pipeline) Confirm(ctx context.Context, edits Edits) (store.Issue, error) {
	if p.state != StateConfirming {
		return store.Issue{}, ErrInvalidState
	}

	title := fallback(edits.Title, p.analysis.Title)
	description := fallback(edits.Description, p.analysis.Description)
	category := fallback(edits.Category, p.analysis.Category)

	imageURL, err := p.uploader.Upload(ctx, p.reporterID, p.filename, p.image, p.contentType)
	if err != nil {
		return store.Issue{}, fmt.Errorf("upload photo: %w", err)
	}

	issue, err := p.creator.CreateIssue(ctx, store.NewIssue{
		ReporterID:    p.reporterID,
		ImageURL:      imageURL,
		Title:         title,
		Description:   description,
		Category:      category,
		SeverityScore: p.analysis.SeverityScore,
		Latitude:      p.latitude,
		Longitude:     p.longitude,
	})
	if err != nil {
		return store.Issue{}, err
	}

	p.issue = issue
	p.state = StateSubmitted
	return issue, nil
}

// Cancel abandons the attempt and returns to capturing with all captured
// data cleared. A submitted pipeline cannot be cancelled.
func (p *Pipeline) Cancel() error {
	if p.state == StateSubmitted {
		return ErrInvalidState
	}
	p.state = StateCapturing
	p.image = nil
	p.filename = ""
	p.contentType = ""
	p.latitude = 0
	p.longitude = 0
	p.located = false
	p.analysis = classify.Result{}
	return nil
}

func fallback(edited, draft string) string {
	if strings.TrimSpace(edited) == "" {
		return draft
	}
	return edited
}
