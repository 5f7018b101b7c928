package controllers

import (
	"time"

	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
	"github.com/voxnotehq/voxbill/internal/pkg/scheduler"
)

// Deps holds the services the HTTP handlers dispatch into. Wired once at
// boot; tests inject in-memory equivalents.
type Deps struct {
	Ledger     *ledger.Service
	Reconciler *reconciler.Service
	Adapters   *processor.Registry
	Scheduler  *scheduler.Manager
	Catalog    *plancatalog.Catalog
	Accounts   repository.AccountRepository
	Payments   repository.PaymentRepository
}

var deps Deps

// Setup wires the handler dependencies.
func Setup(d Deps) {
	deps = d
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
