package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"schedsync/internal/config"
	"schedsync/internal/google"
	"schedsync/internal/logging"
	"schedsync/internal/microsoft"
	"schedsync/internal/models"
	"schedsync/internal/zoom"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a company to a provider account and store the integration.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Required: true, Usage: "google, microsoft, zoom or apple."},
			&cli.StringFlag{Name: "company", Required: true},
			&cli.StringFlag{Name: "calendar", Usage: "Calendar id (google, microsoft) or display name (apple). Default calendar when empty."},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			e, err := newEngine(ctx, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			p := models.Provider(c.String("provider"))
			if _, err := e.registry.Get(p); err != nil {
				return fmt.Errorf("%w (are its client credentials configured?)", err)
			}
			logger := e.logger.With(logging.KeyProvider, p, logging.KeyCompany, c.String("company"))
			reader := bufio.NewReader(os.Stdin)

			integ := &models.Integration{
				CompanyID:  c.String("company"),
				Provider:   p,
				CalendarID: c.String("calendar"),
				IsActive:   true,
			}

			if p == models.ProviderApple {
				integ.AccountEmail = prompt(reader, "Enter the Apple ID email: ")
				integ.AccessToken = prompt(reader, "Enter an app-specific password: ")
				if integ.AccountEmail == "" || integ.AccessToken == "" {
					return fmt.Errorf("apple id and app-specific password are required")
				}
			} else {
				oauthCfg, err := oauthConfigFor(e.cfg, p)
				if err != nil {
					return err
				}
				logger.Info("Starting authentication flow.")
				authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
				fmt.Printf("Go to the following link in your browser then type the "+
					"authorization code: \n%v\n", authURL)

				authCode := prompt(reader, "Enter Authorization Code: ")
				token, err := oauthCfg.Exchange(ctx, authCode)
				if err != nil {
					return fmt.Errorf("unable to retrieve token from web: %w", err)
				}
				integ.AccessToken = token.AccessToken
				integ.RefreshToken = token.RefreshToken
				if !token.Expiry.IsZero() {
					expiry := token.Expiry.UTC()
					integ.TokenExpiresAt = &expiry
				}
				integ.AccountEmail = prompt(reader, "Enter the account email (for display): ")
			}

			if p == models.ProviderGoogle && integ.CalendarID == "" {
				adapter, _ := e.registry.Get(p)
				if gc, ok := adapter.(*google.CalendarClient); ok {
					calendars, err := gc.ListCalendars(ctx, integ)
					if err != nil {
						logger.Warn("Could not list calendars", logging.Err(err))
					} else {
						fmt.Println("Calendars on this account (use --calendar to pick one, primary is used otherwise):")
						for _, id := range calendars {
							fmt.Println("  " + id)
						}
					}
				}
			}

			if err := e.store.CreateIntegration(ctx, integ); err != nil {
				return fmt.Errorf("failed to save integration: %w", err)
			}
			logger.Info("Successfully authenticated and saved integration.", logging.KeyIntegration, integ.ID)
			return nil
		},
	}
}

func oauthConfigFor(cfg *config.Config, p models.Provider) (*oauth2.Config, error) {
	switch p {
	case models.ProviderGoogle:
		return google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	case models.ProviderMicrosoft:
		return microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.MicrosoftTenant, cfg.Microsoft.RedirectURL), nil
	case models.ProviderZoom:
		return zoom.OAuthConfig(cfg.Zoom.ClientID, cfg.Zoom.ClientSecret, cfg.Zoom.RedirectURL), nil
	}
	return nil, fmt.Errorf("provider %q does not use OAuth", p)
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
