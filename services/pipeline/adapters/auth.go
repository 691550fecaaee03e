// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"net/http"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// Authorize applies a source's credential configuration to an outbound
// request. Secrets are revealed just long enough to set the header; the
// request carries the only copy.
func Authorize(req *http.Request, auth *config.AuthConfig) error {
	if auth == nil {
		return nil
	}
	switch auth.Kind() {
	case "none":
		return nil

	case "bearer_token":
		tok, err := auth.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)

	case "basic":
		user, pass, err := auth.BasicAuth()
		if err != nil {
			return err
		}
		req.SetBasicAuth(user, pass)

	case "api_key":
		header, key, err := auth.APIKey()
		if err != nil {
			return err
		}
		req.Header.Set(header, key)

	case "cookie":
		cookie, err := auth.Cookie()
		if err != nil {
			return err
		}
		req.Header.Set("Cookie", cookie)

	default:
		return pperr.Newf(pperr.CodeConfig, "auth type %q is not usable for HTTP sources", auth.Kind())
	}
	return nil
}
