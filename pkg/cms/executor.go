// Package cms executes the module's GraphQL documents against the CMS
// through the host bridge and classifies their failures.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gaplugin/pkg/host"
	"github.com/openfroyo/gaplugin/pkg/telemetry"
)

// Endpoint is a host operation that proxies GraphQL to the CMS.
type Endpoint string

const (
	// Authoring reads and writes the master database.
	Authoring Endpoint = "xmc.authoring.graphql"
	// Preview reads published content in a given language.
	Preview Endpoint = "xmc.preview.graphql"
)

// OperationListSites is the host operation listing the tenant's sites.
const OperationListSites = "xmc.xmapp.listSites"

// Request is a single GraphQL call.
type Request struct {
	Endpoint  Endpoint
	ContextID string
	Document  *Document
	Variables map[string]interface{}
}

// GraphQLError is an entry of a GraphQL response's errors array.
type GraphQLError struct {
	Message string        `json:"message"`
	Path    []interface{} `json:"path,omitempty"`
}

// Result describes a call that returned data.
type Result struct {
	// Errors are GraphQL errors reported alongside the data.
	Errors []GraphQLError
}

// HasErrors reports whether the endpoint returned GraphQL errors.
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

type contextQuery struct {
	SitecoreContextID string `json:"sitecoreContextId"`
}

type graphqlBody struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type requestParams struct {
	Query contextQuery `json:"query"`
	Body  *graphqlBody `json:"body,omitempty"`
}

type envelope struct {
	Data struct {
		Data   json.RawMessage `json:"data"`
		Errors []GraphQLError  `json:"errors"`
	} `json:"data"`
}

// Executor sends documents through a host connection.
type Executor struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(logger zerolog.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		logger:  logger.With().Str("component", "cms").Logger(),
		metrics: metrics,
	}
}

// Execute runs req and decodes the response payload into out, which may be
// nil. Data accompanied by GraphQL errors is decoded and the errors are
// returned in the Result; errors without data fail with KindRemote.
func (e *Executor) Execute(ctx context.Context, conn host.Conn, req Request, out interface{}) (res *Result, err error) {
	op := req.Document.Name

	if req.ContextID == "" {
		return nil, NewError(KindContextUnavailable, op, ErrContextUnavailable.Message, nil)
	}
	if err := req.Document.CheckVariables(req.Variables); err != nil {
		return nil, NewError(KindValidation, op, "invalid variables", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "cms."+op,
		telemetry.AttrEndpoint.String(string(req.Endpoint)),
		telemetry.AttrOperation.String(op),
	)
	timer := telemetry.NewTimer()
	defer func() {
		e.metrics.RecordGraphQLCall(string(req.Endpoint), op, timer.Duration())
		if err != nil {
			e.metrics.RecordGraphQLError(string(req.Endpoint), op, string(KindOf(err)))
			span.SetAttributes(telemetry.AttrErrorKind.String(string(KindOf(err))))
		}
		telemetry.EndSpan(span, err)
	}()

	params := requestParams{
		Query: contextQuery{SitecoreContextID: req.ContextID},
		Body:  &graphqlBody{Query: req.Document.Source, Variables: req.Variables},
	}
	raw, err := conn.Mutate(ctx, string(req.Endpoint), params)
	if err != nil {
		return nil, NewError(KindTransport, op, "host call failed", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(KindUnexpectedShape, op, "malformed response envelope", err)
	}

	res = &Result{Errors: env.Data.Errors}
	if isNull(env.Data.Data) {
		if res.HasErrors() {
			return res, NewError(KindRemote, op, joinMessages(res.Errors), nil)
		}
		return res, NewError(KindUnexpectedShape, op, "response has no data", nil)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data.Data, out); err != nil {
			return res, NewError(KindUnexpectedShape, op, "unexpected response payload", err)
		}
	}

	if res.HasErrors() {
		e.logger.Warn().
			Str("operation", op).
			Str("errors", joinMessages(res.Errors)).
			Msg("GraphQL call returned errors alongside data")
	}
	return res, nil
}

// Site is an entry of the host's site listing.
type Site struct {
	ID         *string `json:"id"`
	Name       *string `json:"name"`
	Properties *struct {
		RootPath string `json:"rootPath"`
	} `json:"properties"`
}

// RootPath returns the site's content root, or "".
func (s Site) RootPath() string {
	if s.Properties == nil {
		return ""
	}
	return s.Properties.RootPath
}

// ListSites returns the tenant's sites in listing order.
func (e *Executor) ListSites(ctx context.Context, conn host.Conn, contextID string) (sites []Site, err error) {
	if contextID == "" {
		return nil, NewError(KindContextUnavailable, OperationListSites, ErrContextUnavailable.Message, nil)
	}

	ctx, span := telemetry.StartSpan(ctx, "cms.listSites")
	timer := telemetry.NewTimer()
	defer func() {
		e.metrics.RecordGraphQLCall(OperationListSites, "listSites", timer.Duration())
		if err != nil {
			e.metrics.RecordGraphQLError(OperationListSites, "listSites", string(KindOf(err)))
		}
		telemetry.EndSpan(span, err)
	}()

	raw, err := conn.Query(ctx, OperationListSites, requestParams{
		Query: contextQuery{SitecoreContextID: contextID},
	})
	if err != nil {
		return nil, NewError(KindTransport, OperationListSites, "host call failed", err)
	}

	var resp struct {
		Data []Site `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, NewError(KindUnexpectedShape, OperationListSites, "unexpected site listing", err)
	}
	return resp.Data, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func joinMessages(errs []GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
