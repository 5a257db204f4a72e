package store

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/internal/fanout"
)

// ErrInvalidDatabaseDriver is returned when an unknown driver is configured.
var ErrInvalidDatabaseDriver = errors.New("invalid database driver")

// DBStore implements Store on a relational database via gorm. The
// Transaction scope maps directly onto a database transaction; store views
// handed to the callback share the transaction handle.
type DBStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore opens the configured database and migrates the schema.
func NewDBStore(logger *zap.Logger, cfg *config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("fanout.store.db")

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, ErrInvalidDatabaseDriver
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(&SessionModel{}, &SubscriptionModel{}, &HistoryModel{}); err != nil {
		return nil, err
	}

	return &DBStore{logger: logger, db: gdb}, nil
}

// Sessions implements Store.Sessions
func (s *DBStore) Sessions() SessionStore { return dbSessions{s} }

// Subscriptions implements Store.Subscriptions
func (s *DBStore) Subscriptions() SubscriptionStore { return dbSubscriptions{s} }

// History implements Store.History
func (s *DBStore) History() HistoryStore { return dbHistory{s} }

// Transaction implements Store.Transaction
func (s *DBStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DBStore{logger: s.logger, db: tx})
	})
}

// Ping implements Store.Ping
func (s *DBStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.Close
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type dbSessions struct{ st *DBStore }

var _ SessionStore = dbSessions{}

func (s dbSessions) Upsert(ctx context.Context, sess *fanout.Session) error {
	model := FromSession(sess)
	return s.st.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
}

func (s dbSessions) Get(ctx context.Context, id string) (*fanout.Session, error) {
	var model SessionModel
	result := s.st.db.WithContext(ctx).Where("id = ?", id).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fanout.ErrSessionNotFound
		}
		return nil, result.Error
	}
	return model.ToSession(), nil
}

func (s dbSessions) GetBatch(ctx context.Context, ids []string) ([]*fanout.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// Chunks run sequentially: a gorm transaction handle holds a single
	// connection and cannot serve concurrent queries.
	var sessions []*fanout.Session
	for _, chunk := range chunkIDs(ids, BatchChunkSize) {
		var models []SessionModel
		if err := s.st.db.WithContext(ctx).Where("id IN ?", chunk).Find(&models).Error; err != nil {
			return nil, err
		}
		for i := range models {
			sessions = append(sessions, models[i].ToSession())
		}
	}
	return sessions, nil
}

func (s dbSessions) ListStale(ctx context.Context, cutoff time.Time) ([]*fanout.Session, error) {
	var models []SessionModel
	if err := s.st.db.WithContext(ctx).Where("last_seen < ?", cutoff).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]*fanout.Session, len(models))
	for i := range models {
		sessions[i] = models[i].ToSession()
	}
	return sessions, nil
}

func (s dbSessions) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.st.db.WithContext(ctx).Where("id IN ?", ids).Delete(&SessionModel{}).Error
}

func (s dbSessions) DeleteByAccount(ctx context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, nil
	}
	var ids []string
	if err := s.st.db.WithContext(ctx).Model(&SessionModel{}).
		Where("account_id = ?", accountID).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.st.db.WithContext(ctx).Where("id IN ?", ids).Delete(&SessionModel{}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

type dbSubscriptions struct{ st *DBStore }

var _ SubscriptionStore = dbSubscriptions{}

func (s dbSubscriptions) ListByTopic(ctx context.Context, topic string) ([]fanout.Subscription, error) {
	var models []SubscriptionModel
	if err := s.st.db.WithContext(ctx).Where("topic = ?", topic).Find(&models).Error; err != nil {
		return nil, err
	}
	return toSubscriptions(models)
}

func (s dbSubscriptions) ListBySession(ctx context.Context, sessionID string) ([]fanout.Subscription, error) {
	var models []SubscriptionModel
	if err := s.st.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&models).Error; err != nil {
		return nil, err
	}
	return toSubscriptions(models)
}

func toSubscriptions(models []SubscriptionModel) ([]fanout.Subscription, error) {
	subs := make([]fanout.Subscription, 0, len(models))
	for i := range models {
		sub, err := models[i].ToSubscription()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s dbSubscriptions) CreateAll(ctx context.Context, subs []fanout.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	models := make([]*SubscriptionModel, 0, len(subs))
	now := time.Now()
	for _, sub := range subs {
		model, err := FromSubscription(sub)
		if err != nil {
			return err
		}
		model.CreatedAt = now
		models = append(models, model)
	}
	// The unique tuple index catches concurrent duplicate inserts; the
	// conflict clause turns them into no-ops.
	return s.st.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(models).Error
}

func (s dbSubscriptions) Delete(ctx context.Context, sub fanout.Subscription) error {
	return s.st.db.WithContext(ctx).
		Where("session_id = ? AND topic = ? AND filter_key = ?", sub.SessionID, sub.Topic, sub.Filter.Canonical()).
		Delete(&SubscriptionModel{}).Error
}

func (s dbSubscriptions) DeleteBySessions(ctx context.Context, sessionIDs []string) error {
	for _, chunk := range chunkIDs(sessionIDs, BatchChunkSize) {
		if err := s.st.db.WithContext(ctx).Where("session_id IN ?", chunk).Delete(&SubscriptionModel{}).Error; err != nil {
			return err
		}
	}
	return nil
}

type dbHistory struct{ st *DBStore }

var _ HistoryStore = dbHistory{}

func (s dbHistory) CreateAll(ctx context.Context, records []*fanout.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]*HistoryModel, 0, len(records))
	for _, rec := range records {
		model, err := FromHistoryRecord(rec)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	return s.st.db.WithContext(ctx).Create(models).Error
}

func (s dbHistory) Get(ctx context.Context, id string) (*fanout.HistoryRecord, error) {
	var model HistoryModel
	result := s.st.db.WithContext(ctx).Where("id = ?", id).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fanout.ErrHistoryNotFound
		}
		return nil, result.Error
	}
	return model.ToHistoryRecord()
}

func (s dbHistory) ListBySession(ctx context.Context, sessionID string, limit int) ([]*fanout.HistoryRecord, error) {
	var models []HistoryModel
	q := s.st.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]*fanout.HistoryRecord, 0, len(models))
	for i := range models {
		rec, err := models[i].ToHistoryRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s dbHistory) MarkRead(ctx context.Context, id, accountID string) error {
	var model HistoryModel
	result := s.st.db.WithContext(ctx).Where("id = ?", id).First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fanout.ErrHistoryNotFound
		}
		return result.Error
	}

	// Ownership check against the live session. A record whose session has
	// already been evicted stays readable by anyone holding the id; history
	// is an audit trail, not routing state.
	var owner SessionModel
	err := s.st.db.WithContext(ctx).Where("id = ?", model.SessionID).First(&owner).Error
	if err == nil && owner.AccountID != "" && owner.AccountID != accountID {
		return ErrReadForbidden
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.st.db.WithContext(ctx).Model(&HistoryModel{}).
		Where("id = ?", id).Update("read_flag", true).Error
}
