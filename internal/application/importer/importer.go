// Package importer loads sessions from APEL cloud message dumps into the session store.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/data/cache"
	"github.com/penwyp/go-pod-accounting/internal/data/parser"
	"github.com/penwyp/go-pod-accounting/internal/data/scanner"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// SessionStore is the write side of the session store.
type SessionStore interface {
	Insert(ctx context.Context, sess *model.Session) (bool, error)
	Merge(ctx context.Context, sess *model.Session) (*model.Session, error)
}

// Importer reads every dump file below a directory. Files already recorded in the ledger
// in the same version are skipped.
type Importer struct {
	Store       SessionStore
	Ledger      *cache.Ledger // optional
	Concurrency int
	// Overwrite merges dumped sessions into stored ones instead of keeping the stored copy.
	Overwrite bool
	Clock     quartz.Clock
}

// Result counts what one import did.
type Result struct {
	Files    int
	Skipped  int
	Sessions int
	Written  int
}

// Run imports dir. Unparsable files are reported together after the rest was imported;
// a store failure stops the import.
func (im *Importer) Run(ctx context.Context, dir string) (Result, error) {
	var res Result
	infos, err := scanner.NewFileScanner(dir).Scan()
	if err != nil {
		return res, err
	}

	byPath := make(map[string]*util.FileInfo, len(infos))
	var files []string
	for _, info := range infos {
		if im.Ledger != nil {
			reason := im.Ledger.Check(info)
			if reason == cache.MissReasonNone {
				res.Skipped++
				continue
			}
			util.LogDebug("Importing dump", util.F("file", info.Path), util.F("reason", reason.String()))
		}
		byPath[info.Path] = info
		files = append(files, info.Path)
	}
	res.Files = len(files)
	if len(files) == 0 {
		return res, nil
	}
	util.LogInfo(fmt.Sprintf("Importing %d files...", len(files)), util.F("skipped", res.Skipped))

	var parseErrs *multierror.Error
	for result := range parser.NewParser(im.Concurrency).ParseFiles(files) {
		if result.Error != nil {
			parseErrs = multierror.Append(parseErrs, result.Error)
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, sess := range result.Sessions {
			written, err := im.write(ctx, sess)
			if err != nil {
				return res, err
			}
			res.Sessions++
			if written {
				res.Written++
			}
		}
		if im.Ledger != nil {
			if err := im.Ledger.Record(byPath[result.File], len(result.Sessions), im.now()); err != nil {
				util.LogWarn("Failed to record imported file", util.F("file", result.File), util.F("error", err))
			}
		}
	}

	if im.Ledger != nil {
		if err := im.Ledger.Save(); err != nil {
			parseErrs = multierror.Append(parseErrs, fmt.Errorf("save import ledger: %w", err))
		}
	}
	return res, parseErrs.ErrorOrNil()
}

func (im *Importer) write(ctx context.Context, sess *model.Session) (bool, error) {
	if !im.Overwrite {
		return im.Store.Insert(ctx, sess)
	}
	if _, err := im.Store.Merge(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

func (im *Importer) now() time.Time {
	if im.Clock == nil {
		return time.Now()
	}
	return im.Clock.Now()
}
