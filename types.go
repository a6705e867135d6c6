package oauth

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

func (opr *OauthProtectedResource) UnmarshalJSON(b []byte) error {
	type Tmp OauthProtectedResource
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*opr = OauthProtectedResource(tmp)

	return nil
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	RequireRequestUriRegistration              *bool    `json:"require_request_uri_registration,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	UILocalesSupported                         []string `json:"ui_locales_supported"`
	DisplayValuesSupported                     []string `json:"display_values_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ProtectedResources                         []string `json:"protected_resources"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

// Validate checks the metadata document against the origin it was fetched from. Confidential
// clients additionally need private_key_jwt with ES256 to be available.
func (oam *OauthAuthorizationMetadata) Validate(fetchUrl *url.URL, confidential bool) error {
	if fetchUrl == nil {
		return fmt.Errorf("fetch url was nil")
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return err
	}

	if iu.Hostname() != fetchUrl.Hostname() {
		return fmt.Errorf("issuer hostname does not match fetch url hostname")
	}

	if iu.Scheme != "https" {
		return fmt.Errorf("issuer url is not https")
	}

	if iu.Port() != "" {
		return fmt.Errorf("issuer port is not empty")
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("issuer path is not /")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint is empty")
	}

	if oam.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is empty")
	}

	if !slices.Contains(oam.ResponseTypesSupported, "code") {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if !slices.Contains(oam.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if !slices.Contains(oam.GrantTypesSupported, "refresh_token") {
		return fmt.Errorf("`refresh_token` is not in grant_types_supported")
	}

	if !slices.Contains(oam.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if confidential {
		if !slices.Contains(oam.TokenEndpointAuthMethodsSupported, "private_key_jwt") {
			return fmt.Errorf("`private_key_jwt` is not in token_endpoint_auth_methods_supported")
		}

		if !slices.Contains(oam.TokenEndpointAuthSigningAlgValuesSupported, "ES256") {
			return fmt.Errorf("`ES256` is not in token_endpoint_auth_signing_alg_values_supported")
		}
	} else if !slices.Contains(oam.TokenEndpointAuthMethodsSupported, "none") {
		return fmt.Errorf("`none` is not in token_endpoint_auth_methods_supported")
	}

	if !slices.Contains(oam.DpopSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	if oam.RequirePushedAuthorizationRequests && oam.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("pushed authorization requests are required but no endpoint was given")
	}

	if oam.RequireRequestUriRegistration != nil && !*oam.RequireRequestUriRegistration {
		return fmt.Errorf("require_request_uri_registration present in metadata and was false")
	}

	return nil
}

func (oam *OauthAuthorizationMetadata) UnmarshalJSON(b []byte) error {
	type Tmp OauthAuthorizationMetadata
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*oam = OauthAuthorizationMetadata(tmp)

	return nil
}

type DidDocument struct {
	Context     []string     `json:"@context,omitempty"`
	ID          string       `json:"id"`
	AlsoKnownAs []string     `json:"alsoKnownAs"`
	Service     []DidService `json:"service"`
}

type DidService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// PdsEndpoint returns the endpoint of the `#atproto_pds` service entry, or an empty string.
func (d *DidDocument) PdsEndpoint() string {
	for _, svc := range d.Service {
		if (svc.ID == "#atproto_pds" || svc.ID == d.ID+"#atproto_pds") && svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint
		}
	}
	return ""
}

type PushedAuthRequest struct {
	ResponseType        string `url:"response_type"`
	ClientID            string `url:"client_id"`
	RedirectURI         string `url:"redirect_uri"`
	Scope               string `url:"scope"`
	State               string `url:"state"`
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`
	LoginHint           string `url:"login_hint,omitempty"`
	ClientAssertionType string `url:"client_assertion_type,omitempty"`
	ClientAssertion     string `url:"client_assertion,omitempty"`
}

type PushedAuthResponse struct {
	RequestUri string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

type InitialTokenRequest struct {
	ClientID            string `url:"client_id"`
	RedirectURI         string `url:"redirect_uri"`
	GrantType           string `url:"grant_type"`
	Code                string `url:"code"`
	CodeVerifier        string `url:"code_verifier"`
	ClientAssertionType string `url:"client_assertion_type,omitempty"`
	ClientAssertion     string `url:"client_assertion,omitempty"`
}

type RefreshTokenRequest struct {
	ClientID            string `url:"client_id"`
	GrantType           string `url:"grant_type"`
	RefreshToken        string `url:"refresh_token"`
	ClientAssertionType string `url:"client_assertion_type,omitempty"`
	ClientAssertion     string `url:"client_assertion,omitempty"`
}

type RevocationRequest struct {
	ClientID            string `url:"client_id"`
	Token               string `url:"token"`
	TokenTypeHint       string `url:"token_type_hint,omitempty"`
	ClientAssertionType string `url:"client_assertion_type,omitempty"`
	ClientAssertion     string `url:"client_assertion,omitempty"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	Sub          string `json:"sub"`

	// nonce in effect when the response was received, not part of the wire format
	DpopAuthserverNonce string `json:"-"`
}

// Expiry converts expires_in to an absolute time relative to now.
func (tr *TokenResponse) Expiry(now time.Time) time.Time {
	return now.Add(time.Duration(tr.ExpiresIn) * time.Second)
}

func (tr *TokenResponse) validate(expectedDid string) error {
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: token response missing access_token", ErrTokenExchange)
	}

	if !strings.EqualFold(tr.TokenType, "DPoP") {
		return fmt.Errorf("%w: token_type was %q, expected DPoP", ErrTokenExchange, tr.TokenType)
	}

	if tr.Sub != expectedDid {
		return fmt.Errorf("%w: expected %s, got %q", ErrIdentityMismatch, expectedDid, tr.Sub)
	}

	if !slices.Contains(strings.Fields(tr.Scope), "atproto") {
		return fmt.Errorf("%w: token scope does not include atproto", ErrTokenExchange)
	}

	return nil
}

type ClientMetadata struct {
	ClientID                    string   `json:"client_id"`
	ClientName                  string   `json:"client_name,omitempty"`
	ClientURI                   string   `json:"client_uri,omitempty"`
	ApplicationType             string   `json:"application_type"`
	GrantTypes                  []string `json:"grant_types"`
	ResponseTypes               []string `json:"response_types"`
	Scope                       string   `json:"scope"`
	RedirectURIs                []string `json:"redirect_uris"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg,omitempty"`
	DpopBoundAccessTokens       bool     `json:"dpop_bound_access_tokens"`
	JwksUri                     string   `json:"jwks_uri,omitempty"`
}
