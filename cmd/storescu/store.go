package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicom-ingestor/internal/dicomfile"
	"github.com/otcheredev/dicom-ingestor/pkg/dimse"
)

// job is one file ready to send.
type job struct {
	path string
	req  dimse.StoreRequest
}

// store sends every Part 10 file under paths over up to workers parallel
// associations.
func store(ctx context.Context, cfg dimse.AssociationConfig, workers int, paths []string) error {
	files, err := collectFiles(paths)
	if err != nil {
		return err
	}

	jobs, unreadable := loadJobs(files)
	if len(jobs) == 0 {
		return fmt.Errorf("no DICOM files to send (%d unreadable)", unreadable)
	}
	cfg.AbstractSyntaxes, cfg.TransferSyntaxes = syntaxes(jobs)

	pool := dimse.NewConnectionPool(dimse.PoolConfig{
		AssociationConfig: cfg,
		MaxPoolSize:       workers,
	})
	defer pool.Close()

	start := time.Now()
	var sent, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := send(ctx, pool, j); err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("file", j.path).Msg("C-STORE failed")
				return nil
			}
			sent.Add(1)
			log.Debug().Str("file", j.path).Str("sop_instance_uid", j.req.SOPInstanceUID).Msg("C-STORE succeeded")
			return nil
		})
	}
	g.Wait()

	log.Info().
		Int64("sent", sent.Load()).
		Int64("failed", failed.Load()).
		Int("unreadable", unreadable).
		Dur("duration", time.Since(start)).
		Msg("Store finished")

	if n := failed.Load() + int64(unreadable); n > 0 {
		return fmt.Errorf("%d of %d files not stored", n, len(files))
	}
	return ctx.Err()
}

func send(ctx context.Context, pool *dimse.ConnectionPool, j job) error {
	assoc, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(assoc)
	return assoc.CStore(ctx, j.req)
}

// collectFiles expands directories into the regular files below them.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func loadJobs(files []string) ([]job, int) {
	var (
		jobs       []job
		unreadable int
	)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to read file")
			unreadable++
			continue
		}
		meta, dataset, err := dicomfile.Split(data)
		if err != nil || meta.SOPClassUID == "" {
			log.Warn().Err(err).Str("file", path).Msg("Skipping file without DICOM meta information")
			unreadable++
			continue
		}
		jobs = append(jobs, job{
			path: path,
			req: dimse.StoreRequest{
				SOPClassUID:    meta.SOPClassUID,
				SOPInstanceUID: meta.SOPInstanceUID,
				TransferSyntax: meta.TransferSyntaxUID,
				Dataset:        dataset,
			},
		})
	}
	return jobs, unreadable
}

// syntaxes returns the distinct SOP classes and transfer syntaxes to propose.
func syntaxes(jobs []job) (abstract, transfer []string) {
	for _, j := range jobs {
		if !slices.Contains(abstract, j.req.SOPClassUID) {
			abstract = append(abstract, j.req.SOPClassUID)
		}
		if !slices.Contains(transfer, j.req.TransferSyntax) {
			transfer = append(transfer, j.req.TransferSyntax)
		}
	}
	return abstract, transfer
}
