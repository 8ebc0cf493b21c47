// Package dbctx carries a context.Context alongside an optional open
// transaction so repositories can participate in a caller's transaction
// without every method signature growing a *gorm.DB parameter.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c Context) DB(fallback *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx.WithContext(c.Ctx)
	}
	return fallback.WithContext(c.Ctx)
}

func Background() Context {
	return Context{Ctx: context.Background()}
}
