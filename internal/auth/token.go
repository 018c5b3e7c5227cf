// Package auth turns Azure identity credentials into bearer tokens for the
// Azure OpenAI data plane.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"golang.org/x/oauth2"
)

// CognitiveServicesScope is the audience every Azure OpenAI token is requested for.
const CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"

// acquireTimeout bounds a single token request against the identity provider.
const acquireTimeout = 30 * time.Second

// ErrTokenUnavailable wraps every failure to obtain a bearer token.
var ErrTokenUnavailable = errors.New("auth: bearer token unavailable")

// DefaultCredential builds the standard Azure credential chain
// (environment, workload identity, managed identity, Azure CLI).
func DefaultCredential() (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	return cred, nil
}

type credentialSource struct {
	cred  azcore.TokenCredential
	scope string
}

func (s *credentialSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{s.scope}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	return &oauth2.Token{
		AccessToken: tok.Token,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresOn,
	}, nil
}

// NewTokenSource adapts cred to an oauth2.TokenSource for scope. Tokens are
// cached and only re-requested once they expire.
func NewTokenSource(cred azcore.TokenCredential, scope string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &credentialSource{cred: cred, scope: scope})
}
