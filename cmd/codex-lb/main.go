package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/server"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/transport"
)

func main() {
	migrateLegacy := flag.String("migrate-legacy", "", "import accounts from a codex CLI auth.json file and exit")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logHandler := events.NewLogHandler(events.ParseLevel(cfg.LogLevel), 1000)
	slog.SetDefault(slog.New(logHandler))

	if err := os.MkdirAll(filepath.Dir(cfg.AccountsDBPath), 0o700); err != nil {
		slog.Error("create data directory", "error", err)
		os.Exit(1)
	}

	crypto, err := account.NewCryptoFromFile(cfg.EncryptionKeyFile)
	if err != nil {
		slog.Error("load encryption key", "error", err)
		os.Exit(1)
	}

	accountsDB, err := store.OpenAccounts(cfg.AccountsDBPath)
	if err != nil {
		slog.Error("open accounts database", "error", err)
		os.Exit(1)
	}
	defer accountsDB.Close()

	opdb, err := store.OpenOperational(cfg.OperationalDBPath)
	if err != nil {
		slog.Error("open operational database", "error", err)
		os.Exit(1)
	}
	defer opdb.Close()

	accounts := account.NewStore(accountsDB, crypto)

	if *migrateLegacy != "" {
		if err := importLegacyAuth(accounts, *migrateLegacy); err != nil {
			slog.Error("legacy import failed", "path", *migrateLegacy, "error", err)
			os.Exit(1)
		}
		slog.Info("legacy auth imported", "path", *migrateLegacy)
		return
	}

	bus := events.NewBus(200)
	tm := transport.NewManager(cfg)

	srv := server.New(cfg, accounts, opdb, crypto, tm, bus, logHandler)
	if err := srv.Run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// legacyAuth is the codex CLI auth.json layout.
type legacyAuth struct {
	OpenAIAPIKey string `json:"OPENAI_API_KEY"`
	Tokens       struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id"`
	} `json:"tokens"`
}

// importLegacyAuth loads a codex CLI auth file and stores its tokens as a
// pool account.
func importLegacyAuth(accounts *account.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var auth legacyAuth
	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("parse auth file: %w", err)
	}
	if auth.Tokens.RefreshToken == "" {
		return fmt.Errorf("auth file has no refresh token")
	}

	email, plan := "", ""
	chatgptID := auth.Tokens.AccountID
	if info := account.ParseIDToken(auth.Tokens.IDToken); info != nil {
		email = info.Email
		plan = info.PlanType
		if chatgptID == "" {
			chatgptID = info.ChatGPTAccountID
		}
	}

	acct, err := accounts.Create(context.Background(), email, plan, chatgptID, account.TokenBundle{
		AccessToken:  auth.Tokens.AccessToken,
		RefreshToken: auth.Tokens.RefreshToken,
		IDToken:      auth.Tokens.IDToken,
	}, nil)
	if err != nil {
		return err
	}
	slog.Info("account created from legacy auth", "accountId", acct.ID, "email", acct.Email)
	return nil
}
