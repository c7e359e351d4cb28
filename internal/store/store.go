package store

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"main/internal/schema"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for the PostgreSQL store.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// Fill is one executed fill row.
type Fill struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	RequestID  uint64 `gorm:"index"`
	Instrument uint32 `gorm:"index"`
	User       uint32 `gorm:"index"`
	Side       uint16
	Price      int64
	Qty        int64
	Fee        int64
	Ts         int64 `gorm:"index"`
}

// TableName keeps the legacy table name.
func (Fill) TableName() string { return "exec_fills" }

// RiskSnapshot is one published risk-state row.
type RiskSnapshot struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	User          uint32 `gorm:"index"`
	Mode          uint16
	Relaxed       uint16
	NAVRFC        int64
	TotalRiskRFC  int64
	ActiveOrdsRFC int64
	Ts            int64 `gorm:"index"`
}

// TableName keeps the legacy table name.
func (RiskSnapshot) TableName() string { return "risk_snapshots" }

// Store persists fills and risk snapshots to PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the schema.
func Open(option Option) (*Store, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}
	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Fill{}, &RiskSnapshot{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveFill persists one fill. It satisfies the connector's fill sink.
func (s *Store) SaveFill(t schema.Trade, reqID uint64) error {
	row := Fill{
		RequestID:  reqID,
		Instrument: uint32(t.Instrument),
		User:       uint32(t.User),
		Side:       uint16(t.Side),
		Price:      int64(t.Price),
		Qty:        int64(t.Qty),
		Fee:        int64(t.Fee),
		Ts:         t.Ts,
	}
	return s.db.Create(&row).Error
}

// SaveRiskState persists one exposure snapshot.
func (s *Store) SaveRiskState(st schema.RiskState) error {
	row := RiskSnapshot{
		User:          uint32(st.User),
		Mode:          uint16(st.Mode),
		Relaxed:       st.Relaxed,
		NAVRFC:        int64(st.NAVRFC),
		TotalRiskRFC:  int64(st.TotalRiskRFC),
		ActiveOrdsRFC: int64(st.ActiveOrdsRFC),
		Ts:            st.Ts,
	}
	return s.db.Create(&row).Error
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	if len(query) != 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
