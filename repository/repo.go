package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"convert-gateway/constant"
	"convert-gateway/entities"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrConflict means the stored status differed from the expected one. It is
	// resolved by re-reading and retrying, never surfaced to callers.
	ErrConflict = errors.New("job status conflict")
)

// Fields are the optional columns written atomically with a transition.
type Fields struct {
	OutputRef  *string
	RetryCount *int
	LastError  *string
}

// liveOrDone are the statuses a dedup lookup may coalesce onto. A failed job
// never blocks resubmission.
var liveOrDone = []constant.JobStatus{
	constant.JobStatusPending,
	constant.JobStatusProcessing,
	constant.JobStatusDone,
}

type JobRepository interface {
	CreateJob(ctx context.Context, job *entities.Job) error
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	FindJobByDedupKey(ctx context.Context, key string, since time.Time) (*entities.Job, error)
	FindLiveJobByArtifact(ctx context.Context, ref string) (*entities.Job, error)
	FindJobsDoneBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entities.Job, error)
	// Transition is a compare-and-swap: it succeeds only when the stored status
	// still equals from, and applies fields in the same write.
	Transition(ctx context.Context, id uuid.UUID, from, to constant.JobStatus, fields Fields) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) JobRepository {
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	return &repo{
		db: gormDB,
	}
}

func (r *repo) CreateJob(ctx context.Context, job *entities.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.db.WithContext(ctx).First(job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) FindJobByDedupKey(ctx context.Context, key string, since time.Time) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.db.WithContext(ctx).
		Where("dedup_key = ? AND created_at >= ? AND status IN ?", key, since, liveOrDone).
		Order("created_at DESC").
		First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) FindLiveJobByArtifact(ctx context.Context, ref string) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.db.WithContext(ctx).
		Where("(input_ref = ? OR output_ref = ?) AND status IN ?", ref, ref,
			[]constant.JobStatus{constant.JobStatusPending, constant.JobStatusProcessing}).
		First(job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) FindJobsDoneBefore(ctx context.Context, cutoff time.Time, limit int) ([]*entities.Job, error) {
	var jobs []*entities.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", constant.JobStatusDone, cutoff).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) Transition(ctx context.Context, id uuid.UUID, from, to constant.JobStatus, fields Fields) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if fields.OutputRef != nil {
		updates["output_ref"] = *fields.OutputRef
	}
	if fields.RetryCount != nil {
		updates["retry_count"] = *fields.RetryCount
	}
	if fields.LastError != nil {
		updates["last_error"] = *fields.LastError
	}

	tx := r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		if _, err := r.FindJobById(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *repo) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tx := r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ?", id).
		Update("cancel_requested", true)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
