package dbctx

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Of wraps ctx without a transaction.
func Of(ctx context.Context) Context {
	return Context{Ctx: ctx}
}

// Conn returns the open transaction when present, otherwise fallback, bound to Ctx.
func (c Context) Conn(fallback *gorm.DB) *gorm.DB {
	conn := c.Tx
	if conn == nil {
		conn = fallback
	}
	return conn.WithContext(ctxutil.Default(c.Ctx))
}
