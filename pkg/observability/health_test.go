package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestHealthChecker_NoDependencies(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	status := checker.Check(context.Background())

	if status.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", status.Status)
	}
	if len(status.Dependencies) != 0 {
		t.Errorf("Expected no dependencies, got %d", len(status.Dependencies))
	}
}

func TestHealthChecker_Database(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		status := NewHealthChecker(db, nil).Check(context.Background())
		if status.Dependencies["database"].Status != StatusHealthy {
			t.Errorf("Expected healthy database, got %+v", status.Dependencies["database"])
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unmet expectations: %v", err)
		}
	})

	t.Run("ping failure is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil).Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy, got %s", status.Status)
		}
		if status.Dependencies["database"].Message != "connection refused" {
			t.Errorf("Unexpected message %q", status.Dependencies["database"].Message)
		}
	})
}

func TestHealthChecker_RedisDownDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(nil, client)
	if status := checker.Check(context.Background()); status.Status != StatusHealthy {
		t.Fatalf("Expected healthy with redis up, got %s", status.Status)
	}

	mr.Close()

	if status := checker.Check(context.Background()); status.Status != StatusDegraded {
		t.Errorf("Expected degraded with redis down, got %s", status.Status)
	}
}

func TestHealthChecker_AddCheck(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddCheck("archive", false, func(ctx context.Context) error { return errors.New("bucket missing") })

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("Expected degraded for non-critical failure, got %s", status.Status)
	}

	checker.AddCheck("repository", true, func(ctx context.Context) error { return errors.New("down") })
	status = checker.Check(context.Background())
	if status.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy for critical failure, got %s", status.Status)
	}
}

func TestHealthRoutes(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	checker.AddCheck("repository", true, func(ctx context.Context) error { return errors.New("down") })

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, checker)

	t.Run("liveness always ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("readiness reflects critical failure", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}

		var status HealthStatus
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		if status.Dependencies["repository"].Status != StatusUnhealthy {
			t.Errorf("Expected repository unhealthy, got %+v", status.Dependencies["repository"])
		}
	})
}
