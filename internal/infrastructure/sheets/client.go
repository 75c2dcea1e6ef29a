package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

const scopeSpreadsheets = "https://www.googleapis.com/auth/spreadsheets"

// ErrRejected reports a request the Sheets API refused with 400, 403 or 404.
// NewLedger reports it as inventory.ErrConfig; during a step it is retryable.
var ErrRejected = errors.New("sheets: request rejected")

// ValuesAPI is the slice of the Sheets values resource the ledger needs.
type ValuesAPI interface {
	Get(ctx context.Context, spreadsheetID, readRange string) ([][]any, error)
	Update(ctx context.Context, spreadsheetID, writeRange string, values [][]any) error
}

// Credentials identify the service account that owns the spreadsheet share.
type Credentials struct {
	Email string
	// PrivateKey is the PEM block; literal "\n" sequences from env files are unescaped.
	PrivateKey string
}

type GoogleValues struct {
	svc *gsheets.Service
}

// NewGoogleValues builds a Sheets client authenticated as a service account.
func NewGoogleValues(ctx context.Context, creds Credentials) (*GoogleValues, error) {
	if creds.Email == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("%w: service account email and private key are required", inventory.ErrConfig)
	}
	conf := &jwt.Config{
		Email:      creds.Email,
		PrivateKey: []byte(strings.ReplaceAll(creds.PrivateKey, `\n`, "\n")),
		Scopes:     []string{scopeSpreadsheets},
		TokenURL:   google.JWTTokenURL,
	}
	svc, err := gsheets.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%w: sheets client: %w", inventory.ErrConfig, err)
	}
	return &GoogleValues{svc: svc}, nil
}

func (g *GoogleValues) Get(ctx context.Context, spreadsheetID, readRange string) ([][]any, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, readRange).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, translate(err)
	}
	return resp.Values, nil
}

func (g *GoogleValues) Update(ctx context.Context, spreadsheetID, writeRange string, values [][]any) error {
	_, err := g.svc.Spreadsheets.Values.Update(spreadsheetID, writeRange, &gsheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return translate(err)
}

// translate tags permission and addressing failures with ErrRejected.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: sheets api %d: %s", ErrRejected, gerr.Code, gerr.Message)
		}
	}
	return fmt.Errorf("sheets: %w", err)
}
