package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultPlcUrl              = "https://plc.directory"
	DefaultHandleSuffix        = "bsky.social"
	defaultHopTimeout          = 10 * time.Second
	wellKnownDidMaxBytes       = 2048
	authServerMetadataCacheTTL = 10 * time.Minute
)

// TXTResolver is the subset of *net.Resolver used for handle resolution.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type Resolver struct {
	h             *http.Client
	dns           TXTResolver
	plcUrl        string
	handleSuffix  string
	confidential  bool
	metadataCache *expirable.LRU[string, *OauthAuthorizationMetadata]
	logger        *slog.Logger
}

type ResolverArgs struct {
	H                   *http.Client
	DNS                 TXTResolver
	PlcUrl              string
	DefaultHandleSuffix string
	// require auth servers to support private_key_jwt client authentication
	Confidential bool
	// retries for idempotent discovery GETs, defaults to 2
	Retries *int
	Logger  *slog.Logger
}

type ResolvedIdentity struct {
	Handle     string
	Did        syntax.DID
	PdsUrl     string
	AuthServer string
	Metadata   *OauthAuthorizationMetadata
}

func NewResolver(args ResolverArgs) *Resolver {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: defaultHopTimeout,
		}
	}

	if args.DNS == nil {
		args.DNS = net.DefaultResolver
	}

	if args.PlcUrl == "" {
		args.PlcUrl = DefaultPlcUrl
	}

	if args.DefaultHandleSuffix == "" {
		args.DefaultHandleSuffix = DefaultHandleSuffix
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	retries := 2
	if args.Retries != nil {
		retries = *args.Retries
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = args.H
	rc.RetryMax = retries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	// hand the final response back instead of a generic "giving up" error, callers check status codes
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Resolver{
		h:             rc.StandardClient(),
		dns:           args.DNS,
		plcUrl:        strings.TrimSuffix(args.PlcUrl, "/"),
		handleSuffix:  strings.TrimPrefix(args.DefaultHandleSuffix, "."),
		confidential:  args.Confidential,
		metadataCache: expirable.NewLRU[string, *OauthAuthorizationMetadata](256, nil, authServerMetadataCacheTTL),
		logger:        args.Logger.With("component", "resolver"),
	}
}

// NormalizeHandle strips a leading @, lower-cases, and appends the default suffix to bare names.
func (r *Resolver) NormalizeHandle(input string) string {
	handle := strings.ToLower(strings.TrimSpace(input))
	handle = strings.TrimPrefix(handle, "@")

	if handle != "" && !strings.Contains(handle, ".") {
		handle = handle + "." + r.handleSuffix
	}

	return handle
}

// ResolveIdentity runs the full discovery pipeline for a handle or DID typed by a user. Each step
// must succeed before the next one runs.
func (r *Resolver) ResolveIdentity(ctx context.Context, input string) (*ResolvedIdentity, error) {
	var did syntax.DID
	var handle string

	if maybeDid, err := syntax.ParseDID(strings.TrimSpace(input)); err == nil {
		did = maybeDid
	} else {
		handle = r.NormalizeHandle(input)

		did, err = r.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
	}

	doc, err := r.ResolveDidDocument(ctx, did)
	if err != nil {
		return nil, err
	}

	pdsUrl, err := pdsFromDocument(doc)
	if err != nil {
		return nil, err
	}

	if handle == "" {
		handle = declaredHandle(doc)
	}

	authServer, err := r.ResolvePDSAuthServer(ctx, pdsUrl)
	if err != nil {
		return nil, err
	}

	meta, err := r.FetchAuthServerMetadata(ctx, authServer)
	if err != nil {
		return nil, err
	}

	return &ResolvedIdentity{
		Handle:     handle,
		Did:        did,
		PdsUrl:     pdsUrl,
		AuthServer: authServer,
		Metadata:   meta,
	}, nil
}

// ResolveHandle tries DNS first and falls back to the https well-known route.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (syntax.DID, error) {
	if _, err := syntax.ParseHandle(handle); err != nil {
		return "", fmt.Errorf("%w: %q is not a valid handle", ErrHandleResolution, handle)
	}

	did, dnsErr := r.resolveHandleDNS(ctx, handle)
	if dnsErr == nil {
		return did, nil
	}

	r.logger.Debug("dns handle resolution failed, trying well-known", "handle", handle, "err", dnsErr)

	did, err := r.resolveHandleWellKnown(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("%w: %s: dns: %v, well-known: %v", ErrHandleResolution, handle, dnsErr, err)
	}

	return did, nil
}

func (r *Resolver) resolveHandleDNS(ctx context.Context, handle string) (syntax.DID, error) {
	recs, err := r.dns.LookupTXT(ctx, fmt.Sprintf("_atproto.%s", handle))
	if err != nil {
		return "", err
	}

	for _, rec := range recs {
		if strings.HasPrefix(rec, "did=") {
			return parseAtprotoDid(strings.TrimPrefix(rec, "did="))
		}
	}

	return "", fmt.Errorf("no did= record found")
}

func (r *Resolver) resolveHandleWellKnown(ctx context.Context, handle string) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		"GET",
		fmt.Sprintf("https://%s/.well-known/atproto-did", handle),
		nil,
	)
	if err != nil {
		return "", err
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("received non-200 response. code was %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, wellKnownDidMaxBytes))
	if err != nil {
		return "", err
	}

	return parseAtprotoDid(strings.TrimSpace(string(b)))
}

func parseAtprotoDid(raw string) (syntax.DID, error) {
	did, err := syntax.ParseDID(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	switch did.Method() {
	case "plc", "web":
		return did, nil
	}

	return "", fmt.Errorf("unsupported did method %q", did.Method())
}

// ResolveService returns the PDS base URL for did.
func (r *Resolver) ResolveService(ctx context.Context, did syntax.DID) (string, error) {
	doc, err := r.ResolveDidDocument(ctx, did)
	if err != nil {
		return "", err
	}

	return pdsFromDocument(doc)
}

func (r *Resolver) ResolveDidDocument(ctx context.Context, did syntax.DID) (*DidDocument, error) {
	ustr, err := r.didDocumentUrl(did)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDidResolution, err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not fetch did document: %v", ErrDidResolution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: did document fetch returned %d", ErrDidResolution, resp.StatusCode)
	}

	b, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read did document: %v", ErrDidResolution, err)
	}

	var doc DidDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed did document: %v", ErrDidResolution, err)
	}

	if doc.ID != did.String() {
		return nil, fmt.Errorf("%w: did document id %q does not match %s", ErrDidResolution, doc.ID, did)
	}

	return &doc, nil
}

func (r *Resolver) didDocumentUrl(did syntax.DID) (string, error) {
	switch did.Method() {
	case "plc":
		return fmt.Sprintf("%s/%s", r.plcUrl, did), nil
	case "web":
		parts := strings.Split(did.Identifier(), ":")
		host, err := url.PathUnescape(parts[0])
		if err != nil || host == "" {
			return "", fmt.Errorf("%w: invalid did:web host", ErrDidResolution)
		}

		if len(parts) == 1 {
			return fmt.Sprintf("https://%s/.well-known/did.json", host), nil
		}

		return fmt.Sprintf("https://%s/%s/did.json", host, strings.Join(parts[1:], "/")), nil
	}

	return "", fmt.Errorf("%w: did was not a supported did type", ErrDidResolution)
}

func pdsFromDocument(doc *DidDocument) (string, error) {
	service := doc.PdsEndpoint()
	if service == "" {
		return "", fmt.Errorf("%w: could not find atproto_pds service in identity services", ErrDidResolution)
	}

	u, err := isSafeAndParsed(service)
	if err != nil {
		return "", fmt.Errorf("%w: pds endpoint: %v", ErrDidResolution, err)
	}

	return strings.TrimSuffix(u.String(), "/"), nil
}

// declaredHandle is the first at:// alias of the document. It is display data only and is not verified.
func declaredHandle(doc *DidDocument) string {
	for _, aka := range doc.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok {
			if _, err := syntax.ParseHandle(h); err == nil {
				return strings.ToLower(h)
			}
		}
	}
	return doc.ID
}
