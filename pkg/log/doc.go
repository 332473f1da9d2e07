// Package log provides the replay server's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by the standard
// library slog, so handler-level concerns (formatting, output) stay in one
// place while the rest of the codebase programs against the facade.
//
// Quick start:
//
//	l := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithFormat(log.TextFormat))
//	l = l.With(log.Component("service"))
//	l.Info("server started", log.Str("addr", ":7878"))
//
// To integrate with libraries expecting the standard library logger, use
// RedirectStdLog.
package log
