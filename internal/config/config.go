package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"busmate-tracker/internal/logging"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	StoreBackend string
	DatabaseURL  string
	// DatabaseName, when set, replaces the database named in DatabaseURL.
	DatabaseName string

	NATSURL         string
	GPSSubject      string
	EventsPrefix    string
	LogNATSSubjects bool

	TickInterval time.Duration
	Location     *time.Location
	HTTPAddr     string
	LogLevel     slog.Level

	RoutingURL     string
	RoutingAPIKey  string
	RoutingTimeout time.Duration

	FCMProjectID   string
	FCMAccessToken string
	FCMEndpoint    string

	GTFSRTVehiclesURL string
	GTFSRTSchoolID    string
	GTFSRTInterval    time.Duration

	Tuning Tuning
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getenvDefault("STORE_BACKEND", BackendPostgres))
	switch cfg.StoreBackend {
	case BackendPostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
		cfg.DatabaseName = os.Getenv("DB_NAME")
	case BackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", cfg.StoreBackend)
	}

	// Empty NATS_URL runs without the bus; GPS then only arrives through the GTFS-RT poller.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.GPSSubject = getenvDefault("NATS_GPS_SUBJECT", "busmate.gps.>")
	cfg.EventsPrefix = getenvDefault("NATS_EVENTS_PREFIX", "busmate.trips")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	var err error
	if cfg.TickInterval, err = secondsEnv("TICK_INTERVAL_SEC", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoutingTimeout, err = secondsEnv("ROUTING_TIMEOUT_SEC", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.GTFSRTInterval, err = secondsEnv("GTFSRT_INTERVAL_SEC", 30*time.Second); err != nil {
		return nil, err
	}

	// Schedules are authored in one fixed zone.
	loc, err := time.LoadLocation(getenvDefault("TZ", "Asia/Kolkata"))
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}
	cfg.Location = loc

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	cfg.LogLevel = logging.ParseLevel(os.Getenv("LOG_LEVEL"))

	cfg.RoutingURL = getenvDefault("ROUTING_URL", "https://api.olamaps.io/routing/v1/directions")
	cfg.RoutingAPIKey = os.Getenv("ROUTING_API_KEY")

	cfg.FCMProjectID = os.Getenv("FCM_PROJECT_ID")
	cfg.FCMAccessToken = os.Getenv("FCM_ACCESS_TOKEN")
	cfg.FCMEndpoint = getenvDefault("FCM_ENDPOINT", "https://fcm.googleapis.com")

	cfg.GTFSRTVehiclesURL = os.Getenv("GTFSRT_VEHICLES_URL")
	cfg.GTFSRTSchoolID = os.Getenv("GTFSRT_SCHOOL_ID")
	if cfg.GTFSRTVehiclesURL != "" && cfg.GTFSRTSchoolID == "" {
		return nil, errors.New("GTFSRT_SCHOOL_ID must be set when GTFSRT_VEHICLES_URL is used")
	}

	cfg.Tuning = DefaultTuning()
	if path := os.Getenv("TUNING_FILE"); path != "" {
		t, err := LoadTuning(path, cfg.Tuning)
		if err != nil {
			return nil, fmt.Errorf("tuning file %s: %w", path, err)
		}
		cfg.Tuning = t
	}

	return cfg, nil
}

func databaseURL() (string, error) {
	// prefer DATABASE_URL / PG_DSN, else build from PG* vars
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or STORE_BACKEND=memory)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
