package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"healmycity/api/internal/auth"
	"healmycity/api/internal/blob"
	"healmycity/api/internal/classify"
	"healmycity/api/internal/config"
	"healmycity/api/internal/feedcache"
	"healmycity/api/internal/intake"
	"healmycity/api/internal/search"
	"healmycity/api/internal/store"
	"healmycity/api/internal/triage"
	"healmycity/api/internal/util"
	"healmycity/api/internal/workflow"
)

// Session is the verified caller identity for one request.
type Session struct {
	UserID   string
	UserName string
	Role     string
}

func (s Session) IsAdmin() bool {
	return s.Role == auth.RoleAdmin
}

// ReportEdits is the confirmation-screen input for a report session.
type ReportEdits struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

var allowedCategories = map[string]struct{}{
	"road":           {},
	"water":          {},
	"sanitation":     {},
	"infrastructure": {},
	"safety":         {},
	"other":          {},
}

type dataStore interface {
	InsertIssue(context.Context, store.NewIssue) (store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context) ([]store.Issue, error)
	ListIssuesByReporter(context.Context, string) ([]store.Issue, error)
	SearchIssues(context.Context, string) ([]store.Issue, error)
	UpdateIssueStatus(context.Context, string, workflow.Status) (store.Issue, error)
	CastVote(context.Context, string, string) (int, error)
	RetractVote(context.Context, string, string) (int, error)
	HasVoted(context.Context, string, string) (bool, error)
	ListVotedIssueIDs(context.Context, string) ([]string, error)
	SummaryCounts(context.Context) (store.Summary, error)
	Ping(ctx context.Context) error
}

type classifier interface {
	Classify(ctx context.Context, image []byte, filename string) (classify.Result, error)
}

type blobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type feedCache interface {
	Get(ctx context.Context) ([]store.Issue, error)
	Set(ctx context.Context, issues []store.Issue) error
	Invalidate(ctx context.Context) error
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexIssue(rec search.IssueRecord)
}

// reportRecord holds one in-flight report session. mu is held for the full
// duration of every pipeline operation, so two concurrent requests on the
// same report cannot both pass the pipeline's state checks.
type reportRecord struct {
	mu        sync.Mutex
	expiresAt time.Time
	pipeline  *intake.Pipeline
}

type Service struct {
	cfg        config.Config
	store      dataStore
	classifier classifier
	blobs      blobStore
	cache      feedCache
	search     searchService
	reportTTL  time.Duration
	reportMu   sync.Mutex
	reports    map[string]*reportRecord
}

// New wires the service. cache and searchSvc may be nil when Redis or
// Meilisearch is not configured; blobs may be nil only in tests.
func New(cfg config.Config, dataStore *store.PostgresStore, classifierClient *classify.Client, blobs *blob.Store, cache *feedcache.Cache, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		classifier: classifierClient,
		reportTTL:  cfg.ReportTTL,
		reports:    make(map[string]*reportRecord),
	}
	if blobs != nil {
		s.blobs = blobs
	}
	if cache != nil {
		s.cache = cache
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     claims.Role,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CachePing(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

// CreateIssue validates and persists a confirmed report. Invalid input is
// rejected before any write.
func (s *Service) CreateIssue(ctx context.Context, in store.NewIssue) (store.Issue, error) {
	details := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		details["title"] = "required"
	}
	if strings.TrimSpace(in.Description) == "" {
		details["description"] = "required"
	}
	if _, ok := allowedCategories[in.Category]; !ok {
		details["category"] = "must be one of road, water, sanitation, infrastructure, safety, other"
	}
	if in.SeverityScore < 0 || in.SeverityScore > 10 {
		details["severityScore"] = "must be between 0 and 10"
	}
	if strings.TrimSpace(in.ImageURL) == "" {
		details["imageUrl"] = "required"
	}
	if strings.TrimSpace(in.ReporterID) == "" {
		details["reporterId"] = "required"
	}
	if len(details) > 0 {
		return store.Issue{}, validationError("Invalid issue", details)
	}

	issue, err := s.store.InsertIssue(ctx, in)
	if err != nil {
		return store.Issue{}, err
	}

	s.invalidateFeed(ctx)
	s.indexIssue(issue)
	return issue, nil
}

type feedIssue struct {
	store.Issue
	UserVoted bool `json:"userVoted"`
}

// Feed returns the public issue list: upvotes desc, newest breaking ties,
// filtered by q and paginated, with the caller's vote flags attached.
func (s *Service) Feed(ctx context.Context, userID, q string, page, limit int) (map[string]any, error) {
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	ranked, err := s.rankedFeed(ctx)
	if err != nil {
		return nil, err
	}

	filtered := triage.Filter(ranked, q)
	total := len(filtered)
	pageItems := triage.Page(filtered, page, limit)

	voted, err := s.votedSet(ctx, userID)
	if err != nil {
		return nil, err
	}

	items := make([]feedIssue, 0, len(pageItems))
	for _, issue := range pageItems {
		items = append(items, feedIssue{Issue: issue, UserVoted: voted[issue.ID]})
	}

	return map[string]any{
		"issues":      items,
		"totalIssues": total,
		"totalPages":  triage.TotalPages(total, limit),
		"currentPage": page,
	}, nil
}

// rankedFeed returns every issue in feed order, served from the cache when
// one is configured and warm.
func (s *Service) rankedFeed(ctx context.Context) ([]store.Issue, error) {
	if s.cache != nil {
		if issues, err := s.cache.Get(ctx); err == nil {
			return issues, nil
		} else if !errors.Is(err, feedcache.ErrMiss) {
			log.Printf("feed cache read failed, serving from db: %v", err)
		}
	}

	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	triage.SortFeed(issues)

	if s.cache != nil {
		if err := s.cache.Set(ctx, issues); err != nil {
			log.Printf("feed cache write failed: %v", err)
		}
	}
	return issues, nil
}

func (s *Service) votedSet(ctx context.Context, userID string) (map[string]bool, error) {
	ids, err := s.store.ListVotedIssueIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	voted := make(map[string]bool, len(ids))
	for _, id := range ids {
		voted[id] = true
	}
	return voted, nil
}

func (s *Service) GetIssue(ctx context.Context, userID, issueID string) (feedIssue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return feedIssue{}, err
	}
	voted, err := s.store.HasVoted(ctx, userID, issueID)
	if err != nil {
		return feedIssue{}, err
	}
	return feedIssue{Issue: issue, UserVoted: voted}, nil
}

func (s *Service) MyIssues(ctx context.Context, userID string) ([]store.Issue, error) {
	return s.store.ListIssuesByReporter(ctx, userID)
}

// ToggleVote casts the caller's vote, or retracts it if one is already held.
// Returns the resulting vote flag and the issue's new count.
func (s *Service) ToggleVote(ctx context.Context, userID, issueID string) (bool, int, error) {
	voted, err := s.store.HasVoted(ctx, userID, issueID)
	if err != nil {
		return false, 0, err
	}

	if voted {
		count, err := s.store.RetractVote(ctx, userID, issueID)
		if errors.Is(err, store.ErrNoActiveVote) {
			return false, 0, conflictError("NO_ACTIVE_VOTE", "No vote to retract")
		}
		if err != nil {
			return false, 0, err
		}
		s.invalidateFeed(ctx)
		return false, count, nil
	}

	count, err := s.store.CastVote(ctx, userID, issueID)
	if errors.Is(err, store.ErrAlreadyVoted) {
		return false, 0, conflictError("ALREADY_VOTED", "Vote already recorded")
	}
	if err != nil {
		return false, 0, err
	}
	s.invalidateFeed(ctx)
	return true, count, nil
}

type triageIssue struct {
	store.Issue
	UrgencyScore int `json:"urgencyScore"`
}

// Triage returns the admin queue. sortKey is urgency (default), newest, or
// upvotes; q applies the substring filter before ranking.
func (s *Service) Triage(ctx context.Context, q, sortKey string) ([]triageIssue, error) {
	var issues []store.Issue
	var err error
	if strings.TrimSpace(q) != "" {
		issues, err = s.store.SearchIssues(ctx, strings.TrimSpace(q))
	} else {
		issues, err = s.store.ListIssues(ctx)
	}
	if err != nil {
		return nil, err
	}

	switch sortKey {
	case "", "urgency":
		triage.SortTriage(issues)
	case "newest":
		triage.SortNewest(issues)
	case "upvotes":
		triage.SortUpvotes(issues)
	default:
		return nil, validationError("sort must be urgency, newest, or upvotes", nil)
	}

	items := make([]triageIssue, 0, len(issues))
	for _, issue := range issues {
		items = append(items, triageIssue{Issue: issue, UrgencyScore: triage.Urgency(issue)})
	}
	return items, nil
}

// UpdateStatus moves an issue along the workflow on behalf of an admin.
func (s *Service) UpdateStatus(ctx context.Context, issueID, next string) (store.Issue, error) {
	status := workflow.Status(next)
	if !workflow.Valid(status) {
		return store.Issue{}, validationError("status must be open, in_progress, or resolved", nil)
	}

	issue, err := s.store.UpdateIssueStatus(ctx, issueID, status)
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return store.Issue{}, conflictError("INVALID_TRANSITION", "Status transition not allowed")
	}
	if err != nil {
		return store.Issue{}, err
	}

	s.invalidateFeed(ctx)
	s.indexIssue(issue)
	return issue, nil
}

func (s *Service) Summary(ctx context.Context) (store.Summary, error) {
	return s.store.SummaryCounts(ctx)
}

func (s *Service) Search(ctx context.Context, q string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{Text: q, Limit: limit, Offset: offset}), nil
}

func (s *Service) invalidateFeed(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Printf("feed cache invalidate failed: %v", err)
	}
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Category:    issue.Category,
		Status:      string(issue.Status),
	})
}

// ── Report sessions ──

// blobUploader adapts the object store to the intake pipeline, deriving a
// fresh key per upload and mapping failures to STORAGE_UNAVAILABLE.
type blobUploader struct {
	blobs blobStore
}

func (u blobUploader) Upload(ctx context.Context, reporterID, filename string, data []byte, contentType string) (string, error) {
	if u.blobs == nil {
		return "", upstreamError("STORAGE_UNAVAILABLE", "Object storage not configured")
	}
	url, err := u.blobs.Upload(ctx, blob.ObjectKey(reporterID, filename), data, contentType)
	if err != nil {
		log.Printf("photo upload failed: %v", err)
		return "", upstreamError("STORAGE_UNAVAILABLE", "Photo upload failed")
	}
	return url, nil
}

// issueCreator adapts Service.CreateIssue to the intake pipeline.
type issueCreator struct {
	service *Service
}

func (c issueCreator) CreateIssue(ctx context.Context, in store.NewIssue) (store.Issue, error) {
	return c.service.CreateIssue(ctx, in)
}

type reportState struct {
	ID          string           `json:"id"`
	State       intake.State     `json:"state"`
	HasImage    bool             `json:"hasImage"`
	HasLocation bool             `json:"hasLocation"`
	Analysis    *classify.Result `json:"analysis,omitempty"`
	Issue       *store.Issue     `json:"issue,omitempty"`
}

// StartReport opens a report session with the photo and location attached.
func (s *Service) StartReport(session Session, image []byte, filename, contentType string, latitude, longitude float64) (reportState, error) {
	if len(image) == 0 {
		return reportState{}, validationError("file is required", nil)
	}

	pipeline := intake.New(session.UserID, s.classifier, blobUploader{blobs: s.blobs}, issueCreator{service: s})
	if err := pipeline.AttachImage(image, filename, contentType); err != nil {
		return reportState{}, s.mapIntakeError(err)
	}
	if err := pipeline.SetLocation(latitude, longitude); err != nil {
		return reportState{}, s.mapIntakeError(err)
	}

	id := util.NewID("rpt")
	s.storeReport(id, pipeline)
	return s.stateOf(id, pipeline), nil
}

func (s *Service) ReportState(session Session, reportID string) (reportState, error) {
	record, err := s.lookupReport(session, reportID)
	if err != nil {
		return reportState{}, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	return s.stateOf(reportID, record.pipeline), nil
}

// AnalyzeReport runs classification once for the session's photo.
func (s *Service) AnalyzeReport(ctx context.Context, session Session, reportID string) (reportState, error) {
	record, err := s.lookupReport(session, reportID)
	if err != nil {
		return reportState{}, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	if _, err := record.pipeline.Analyze(ctx); err != nil {
		return reportState{}, s.mapIntakeError(err)
	}
	return s.stateOf(reportID, record.pipeline), nil
}

// ConfirmReport commits the report: photo upload, then issue insert. The
// record lock makes confirm single-flight; a duplicate request waits, then
// fails the pipeline's state check instead of inserting a second issue.
func (s *Service) ConfirmReport(ctx context.Context, session Session, reportID string, edits ReportEdits) (store.Issue, error) {
	record, err := s.lookupReport(session, reportID)
	if err != nil {
		return store.Issue{}, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()

	issue, err := record.pipeline.Confirm(ctx, intake.Edits{
		Title:       edits.Title,
		Description: edits.Description,
		Category:    edits.Category,
	})
	if err != nil {
		return store.Issue{}, s.mapIntakeError(err)
	}

	s.dropReport(reportID)
	return issue, nil
}

func (s *Service) CancelReport(session Session, reportID string) (reportState, error) {
	record, err := s.lookupReport(session, reportID)
	if err != nil {
		return reportState{}, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	if err := record.pipeline.Cancel(); err != nil {
		return reportState{}, s.mapIntakeError(err)
	}
	return s.stateOf(reportID, record.pipeline), nil
}

func (s *Service) stateOf(id string, pipeline *intake.Pipeline) reportState {
	state := reportState{
		ID:          id,
		State:       pipeline.State(),
		HasImage:    pipeline.HasImage(),
		HasLocation: pipeline.HasLocation(),
	}
	if pipeline.State() == intake.StateConfirming {
		analysis := pipeline.Analysis()
		state.Analysis = &analysis
	}
	if pipeline.State() == intake.StateSubmitted {
		issue := pipeline.Issue()
		state.Issue = &issue
	}
	return state
}

func (s *Service) mapIntakeError(err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, intake.ErrMissingInput):
		return domainError(http.StatusUnprocessableEntity, "MISSING_INPUT", "Photo and location are required", nil)
	case errors.Is(err, intake.ErrInvalidState):
		return conflictError("INVALID_STATE", "Operation not allowed in the report's current state")
	case errors.Is(err, classify.ErrUnavailable):
		return upstreamError("CLASSIFICATION_UNAVAILABLE", "Image analysis is unavailable, try again")
	case errors.Is(err, classify.ErrInvalid):
		return upstreamError("CLASSIFICATION_INVALID", "Image analysis returned an unusable draft")
	}
	return err
}

// lookupReport finds the caller's session and refreshes its TTL. Callers
// must take the record's lock before touching the pipeline.
func (s *Service) lookupReport(session Session, reportID string) (*reportRecord, error) {
	now := time.Now()
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	for key, record := range s.reports {
		if now.After(record.expiresAt) {
			delete(s.reports, key)
		}
	}
	record, ok := s.reports[reportID]
	if !ok || record.pipeline.ReporterID() != session.UserID {
		return nil, notFoundError("Report not found")
	}
	record.expiresAt = now.Add(s.reportTTL)
	return record, nil
}

func (s *Service) storeReport(reportID string, pipeline *intake.Pipeline) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.reports[reportID] = &reportRecord{
		expiresAt: time.Now().Add(s.reportTTL),
		pipeline:  pipeline,
	}
}

func (s *Service) dropReport(reportID string) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	delete(s.reports, reportID)
}
