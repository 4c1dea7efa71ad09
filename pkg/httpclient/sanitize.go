// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments whose values must never
// reach a log line. Matching is case-insensitive substring, so "api_key",
// "ApiKey" and "x-auth-token" all redact.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

// sanitizeURL returns the URL as a string with sensitive query parameter
// values replaced by REDACTED. Userinfo is dropped entirely.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	clean := *u
	clean.User = nil

	if clean.RawQuery != "" {
		query := clean.Query()
		for name := range query {
			if isSensitiveParam(name) {
				query.Set(name, "REDACTED")
			}
		}
		clean.RawQuery = query.Encode()
	}

	return clean.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
