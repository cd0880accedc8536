package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent},
		{"wrapped deadlock", fmt.Errorf("update stock: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"plain", errors.New("boom"), ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("Expected class %d, got %d", tt.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pq.Error{Code: "40001"}) {
		t.Error("Expected serialization failure to be retryable")
	}
	if IsRetryable(&pq.Error{Code: "23514"}) {
		t.Error("Expected check violation to be permanent")
	}
}

func TestConstraintHelpers(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})) {
		t.Error("Expected unique violation")
	}
	if !IsForeignKeyViolation(&pq.Error{Code: "23503"}) {
		t.Error("Expected foreign key violation")
	}
	if !IsLockNotAvailable(&pq.Error{Code: "55P03"}) {
		t.Error("Expected lock not available")
	}
	if IsUniqueViolation(errors.New("duplicate")) {
		t.Error("Expected plain error not to match")
	}
}
