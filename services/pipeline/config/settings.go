// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

// Kind-specific settings blocks. Each adapter decodes its own block from
// SourceConfig.Settings and validates it during initialize.

// =============================================================================
// File Source
// =============================================================================

// FileSettings configures a filesystem documentation source.
type FileSettings struct {
	// Roots are the directories to walk. At least one is required.
	Roots []string `yaml:"roots" validate:"required,min=1"`

	// IncludeGlobs and ExcludeGlobs filter walked paths. Patterns match
	// against the path relative to its root. Empty include list means
	// every supported file is eligible.
	IncludeGlobs []string `yaml:"include_globs"`
	ExcludeGlobs []string `yaml:"exclude_globs"`

	// MaxDepth bounds recursion below each root. 0 means unlimited.
	MaxDepth int `yaml:"max_depth" validate:"gte=0"`

	// WatchChanges re-indexes files as they change instead of waiting for
	// the refresh interval.
	WatchChanges bool `yaml:"watch_changes"`

	// ChunkSize and ChunkOverlap control how long documents are split for
	// excerpt extraction. Defaults: 1200 / 120 characters.
	ChunkSize    int `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0"`
}

// Validate checks the decoded block.
func (s *FileSettings) Validate() error {
	return configValidate.Struct(s)
}

// =============================================================================
// Git-host Source
// =============================================================================

// GitHostSettings configures a git hosting source (GitHub-compatible API).
type GitHostSettings struct {
	// BaseURL is the API root, e.g. https://api.github.com or a
	// self-hosted equivalent.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Repos lists owner/name pairs to index.
	Repos []string `yaml:"repos" validate:"required,min=1"`

	// ContentKinds selects what to read from each repo. Valid entries:
	// readme, docs, wiki, issues. Default: readme and docs.
	ContentKinds []string `yaml:"content_kinds" validate:"dive,oneof=readme docs wiki issues"`

	// RateBudgetPercent caps consumption of the remote's published quota.
	// Default: 10.
	RateBudgetPercent int `yaml:"rate_budget_percent" validate:"omitempty,gte=1,lte=100"`

	// MinRequestInterval is the floor between consecutive requests.
	// Default: 500ms.
	MinRequestInterval Duration `yaml:"min_request_interval"`

	// DocsPath is the in-repo directory treated as the docs tree.
	// Default: docs.
	DocsPath string `yaml:"docs_path"`
}

// Validate checks the decoded block.
func (s *GitHostSettings) Validate() error {
	return configValidate.Struct(s)
}

// =============================================================================
// Wiki Source
// =============================================================================

// WikiSettings configures a wiki source (Confluence-compatible REST API).
type WikiSettings struct {
	// BaseURL is the wiki REST root, e.g. https://wiki.example.com/rest/api.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Spaces limits indexing to the named spaces. Empty means all
	// accessible spaces.
	Spaces []string `yaml:"spaces"`

	// UseNativeSearch sends queries to the wiki's own search endpoint.
	// When false (or when native search fails) the adapter lists pages
	// and filters locally.
	UseNativeSearch bool `yaml:"use_native_search"`

	// PageSize is the pagination window. Default: 50.
	PageSize int `yaml:"page_size" validate:"omitempty,gte=1,lte=500"`

	// MaxPages bounds pagination per query. Default: 20.
	MaxPages int `yaml:"max_pages" validate:"omitempty,gte=1"`
}

// Validate checks the decoded block.
func (s *WikiSettings) Validate() error {
	return configValidate.Struct(s)
}

// =============================================================================
// Database Source
// =============================================================================

// DatabaseSettings configures a SQL or document-store source.
type DatabaseSettings struct {
	// Driver selects the client: postgres or mongodb.
	Driver string `yaml:"driver" validate:"required,oneof=postgres mongodb"`

	// DSNEnv names the environment variable holding the connection
	// string. The DSN itself never appears in the config file.
	DSNEnv string `yaml:"dsn_env" validate:"required"`

	// Database is the database name (mongodb only; postgres takes it from
	// the DSN).
	Database string `yaml:"database"`

	// Tables declares which tables or collections hold documents and how
	// their columns map onto the Document shape.
	Tables []TableMapping `yaml:"tables" validate:"required,min=1,dive"`

	// MaxConns bounds the connection pool. Default: 4.
	MaxConns int `yaml:"max_conns" validate:"omitempty,gte=1,lte=64"`

	// DetectSchema probes column types on first use and logs mismatches
	// instead of failing the first query.
	DetectSchema bool `yaml:"detect_schema"`
}

// TableMapping maps one table or collection onto the Document shape.
type TableMapping struct {
	// Name is the table (postgres) or collection (mongodb) name.
	Name string `yaml:"name" validate:"required"`

	TitleField   string `yaml:"title_field" validate:"required"`
	ContentField string `yaml:"content_field" validate:"required"`

	// CategoryField is optional; when empty, Category is used for every
	// row instead.
	CategoryField string `yaml:"category_field"`
	Category      string `yaml:"category" validate:"omitempty,oneof=runbook procedure decision_tree guide general"`

	UpdatedField string `yaml:"updated_field"`
	AuthorField  string `yaml:"author_field"`

	// IDField defaults to "id" ("_id" for mongodb).
	IDField string `yaml:"id_field"`
}

// Validate checks the decoded block.
func (s *DatabaseSettings) Validate() error {
	return configValidate.Struct(s)
}

// =============================================================================
// Web Source
// =============================================================================

// WebSettings configures a generic HTTP documentation source.
type WebSettings struct {
	// Endpoints are the pages or APIs to read.
	Endpoints []WebEndpoint `yaml:"endpoints" validate:"required,min=1,dive"`

	// RespectRobots honors the origin's robots.txt before fetching.
	RespectRobots bool `yaml:"respect_robots"`

	// RateLimit caps requests per second against this source. Default: 2.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// Headers are added to every request (e.g. Accept overrides). Values
	// here are not credentials; use the source auth block for those.
	Headers map[string]string `yaml:"headers"`
}

// WebEndpoint describes one URL and how to extract a document from it.
// Exactly one of Selector, JSONPointer, or XPath should be set; the
// content type of the response decides which applies.
type WebEndpoint struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	Method string `yaml:"method" validate:"omitempty,oneof=GET POST"`

	// Selector is a CSS selector for HTML responses.
	Selector string `yaml:"selector"`

	// TitleSelector overrides the page <title> for HTML responses.
	TitleSelector string `yaml:"title_selector"`

	// JSONPointer is an RFC 6901 pointer for JSON responses.
	JSONPointer string `yaml:"json_pointer"`

	// XPath is an XPath expression for XML/HTML responses.
	XPath string `yaml:"xpath"`

	// Category tags extracted documents. Default: general.
	Category string `yaml:"category" validate:"omitempty,oneof=runbook procedure decision_tree guide general"`

	// Pagination, when set, walks pages by incrementing a query parameter.
	Pagination *PaginationSpec `yaml:"pagination"`
}

// PaginationSpec describes how an endpoint's pages chain together:
// either a query parameter that counts up, or a next link to follow.
type PaginationSpec struct {
	// Param, when set, walks pages by incrementing this query parameter.
	Param string `yaml:"param" validate:"required_without=NextSelector"`
	Start int    `yaml:"start"`

	// NextSelector, when set, follows the href of the first element the
	// CSS selector matches instead of incrementing Param.
	NextSelector string `yaml:"next_selector"`

	MaxPages int `yaml:"max_pages" validate:"omitempty,gte=1,lte=100"`
}

// Validate checks the decoded block.
func (s *WebSettings) Validate() error {
	return configValidate.Struct(s)
}
