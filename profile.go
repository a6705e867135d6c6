package oauth

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"
)

type profileRecord struct {
	DisplayName string    `json:"displayName"`
	Description string    `json:"description"`
	Avatar      *blobLink `json:"avatar"`
}

type blobLink struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
}

type getRecordOutput struct {
	Uri   string          `json:"uri"`
	Cid   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// accountProfile holds the display fields shown next to a logged in account.
type accountProfile struct {
	DisplayName string
	Description string
	AvatarUrl   string
}

// fetchProfile reads the account's public profile record straight from its PDS. Any failure
// returns an empty profile.
func (a *ClientApp) fetchProfile(ctx context.Context, did, pdsUrl string) accountProfile {
	xrpcc := &xrpc.Client{
		Client: a.pdsClient,
		Host:   pdsUrl,
	}

	var out getRecordOutput
	err := xrpcc.Do(ctx, xrpc.Query, "", "com.atproto.repo.getRecord", map[string]any{
		"repo":       did,
		"collection": "app.bsky.actor.profile",
		"rkey":       "self",
	}, nil, &out)
	if err != nil {
		a.logger.Debug("profile fetch failed", "did", did, "err", err)
		return accountProfile{}
	}

	var rec profileRecord
	if err := json.Unmarshal(out.Value, &rec); err != nil {
		a.logger.Debug("profile record did not decode", "did", did, "err", err)
		return accountProfile{}
	}

	p := accountProfile{
		DisplayName: strings.TrimSpace(rec.DisplayName),
		Description: rec.Description,
	}

	if rec.Avatar != nil && rec.Avatar.Ref.Link != "" {
		p.AvatarUrl = pdsUrl + "/xrpc/com.atproto.sync.getBlob?" + url.Values{
			"did": {did},
			"cid": {rec.Avatar.Ref.Link},
		}.Encode()
	}

	return p
}
