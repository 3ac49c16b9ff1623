package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"ruleflow/internal/config"
	"ruleflow/internal/middleware"
)

var (
	flagTenant   string
	flagSubject  string
	flagRoles    string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a tenant-scoped JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tok, err := buildToken(cfg.JWT.Secret, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant id embedded in the token (required)")
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "admin", "subject (sub) claim")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "admin", "comma-separated roles (e.g. admin,agent)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not include exp claim")
}

func buildToken(secret string, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt.secret is empty; set it in config")
	}
	claims := middleware.Claims{
		TenantID: strings.TrimSpace(flagTenant),
		Roles:    splitList(flagRoles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  flagSubject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if !flagNoExpiry {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Duration(flagTTLMin) * time.Minute))
	}
	return middleware.GenerateToken(secret, claims)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
