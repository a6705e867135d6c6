package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func (r *Resolver) ResolvePDSAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: error creating request for oauth protected resource: %v", ErrMetadataFetch, err)
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: could not get response from server: %v", ErrMetadataFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: received non-200 response from pds. code was %d", ErrMetadataFetch, resp.StatusCode)
	}

	b, err := readLimited(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: could not read body: %v", ErrMetadataFetch, err)
	}

	var resource OauthProtectedResource
	if err := resource.UnmarshalJSON(b); err != nil {
		return "", fmt.Errorf("%w: could not unmarshal json: %v", ErrMetadataFetch, err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: oauth protected resource contained no authorization servers", ErrMetadataFetch)
	}

	return strings.TrimSuffix(resource.AuthorizationServers[0], "/"), nil
}

// FetchAuthServerMetadata fetches and validates the issuer's metadata document. Only validated
// documents are cached.
func (r *Resolver) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	if meta, ok := r.metadataCache.Get(ustr); ok {
		return meta, nil
	}

	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating request to fetch auth metadata: %v", ErrMetadataFetch, err)
	}

	resp, err := r.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: error getting response for auth metadata: %v", ErrMetadataFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf(
			"%w: received non-200 response from auth server. status code was %d",
			ErrMetadataFetch,
			resp.StatusCode,
		)
	}

	b, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read body for metadata response: %v", ErrMetadataFetch, err)
	}

	var metadata OauthAuthorizationMetadata
	if err := metadata.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal metadata: %v", ErrMetadataFetch, err)
	}

	if err := metadata.Validate(u, r.confidential); err != nil {
		return nil, fmt.Errorf("%w: could not validate metadata: %v", ErrMetadataFetch, err)
	}

	r.metadataCache.Add(ustr, &metadata)

	return &metadata, nil
}
