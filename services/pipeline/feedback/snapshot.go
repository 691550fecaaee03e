// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// snapshotTimeout bounds a single backup upload.
const snapshotTimeout = 2 * time.Minute

// EnvSnapshotCredentials names a service account key file used for
// snapshot uploads. Unset means application default credentials.
const EnvSnapshotCredentials = "PPIPE_SNAPSHOT_CREDENTIALS"

// Snapshot streams a full Badger backup into the bucket as one
// timestamped object under feedback/. Restores are an operator action
// with the badger CLI; the store never reads these objects back.
func (s *Store) Snapshot(ctx context.Context, client *storage.Client, bucket string) error {
	if bucket == "" {
		return pperr.New(pperr.CodeConfig, "snapshot bucket is not configured")
	}

	name := fmt.Sprintf("feedback/%s.badger.bak", s.now().UTC().Format("20060102T150405Z"))
	w := client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := s.db.Backup(w, 0); err != nil {
		_ = w.Close()
		return pperr.Wrap(pperr.CodeUnavailable, "feedback snapshot does not stream", err)
	}
	if err := w.Close(); err != nil {
		return pperr.Wrap(pperr.CodeUnavailable, "feedback snapshot does not finalize", err)
	}

	s.log.Info("feedback snapshot uploaded", "bucket", bucket, "object", name)
	return nil
}

// StartSnapshots uploads a snapshot every interval until ctx ends or
// the store closes. Credentials come from PPIPE_SNAPSHOT_CREDENTIALS (a
// key file path) or the ambient application default credentials; a
// client that cannot be built is a warning, not a startup failure,
// since the store works fine without its off-box copy.
func (s *Store) StartSnapshots(ctx context.Context, bucket string, interval time.Duration) {
	if bucket == "" || interval <= 0 {
		return
	}
	go func() {
		var opts []option.ClientOption
		if keyPath := os.Getenv(EnvSnapshotCredentials); keyPath != "" {
			opts = append(opts, option.WithCredentialsFile(keyPath))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			s.log.Warn("feedback snapshots disabled, storage client does not build", "error", err)
			return
		}
		defer client.Close()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
				if err := s.Snapshot(runCtx, client, bucket); err != nil {
					s.log.Warn("feedback snapshot failed", "error", err)
				}
				cancel()
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}
