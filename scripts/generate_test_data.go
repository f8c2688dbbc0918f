// Seeds a local database with an organization, an extension credential and a
// few days of synthetic audit traffic. Run standalone against a dev database:
//
//	CONFIG_PATH=config.yaml go run scripts/generate_test_data.go
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/integrity"
	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/store"
)

var (
	tools   = []string{"chatgpt", "claude", "gemini", "copilot", "perplexity"}
	domains = []string{"chat.openai.com", "claude.ai", "gemini.google.com", "github.com", "perplexity.ai"}
	users   = []string{"alice@acme.test", "bob@acme.test", "carol@acme.test", "dave@acme.test"}
	prompts = []string{
		"Summarize this quarterly planning doc for me",
		"Refactor this function to use a worker pool",
		"Contact John Smith at john.smith@acme.test about the renewal",
		"Customer SSN is 523-45-6789, please draft the verification letter",
		"Write a regex that matches ISO-8601 timestamps",
	}
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	org := &models.Organization{Name: "Acme Corp", Tier: "enterprise"}
	if err := st.CreateOrganization(ctx, org); err != nil {
		log.Fatalf("Failed to create organization: %v", err)
	}
	fmt.Printf("Organization: %s (%s)\n", org.Name, org.ID)

	secret, err := auth.GenerateSecret()
	if err != nil {
		log.Fatalf("Failed to generate credential: %v", err)
	}
	cred := &models.Credential{
		OrgID:      org.ID,
		SecretHash: integrity.CredentialDigest(secret),
		Prefix:     auth.Prefix(secret),
		Name:       "dev extension",
	}
	if err := st.CreateCredential(ctx, cred); err != nil {
		log.Fatalf("Failed to create credential: %v", err)
	}
	fmt.Printf("Extension credential (save it, only the hash is stored): %s\n", secret)

	blockReason := "Gemini is not approved for company data"
	policies := []*models.Policy{
		{OrgID: org.ID, Tool: "gemini", Action: models.ActionBlock, BlockReason: &blockReason, Enabled: true},
		{OrgID: org.ID, Tool: "chatgpt", Action: models.ActionReview, Enabled: true, CustomRules: models.CustomRules{
			{Name: "PROJECT_CODE", Pattern: `\bPRJ-\d{4}\b`, Severity: 40, Description: "Internal project identifiers"},
		}},
	}
	for _, p := range policies {
		if err := st.CreatePolicy(ctx, p); err != nil {
			log.Fatalf("Failed to create policy: %v", err)
		}
	}
	fmt.Printf("Policies: %d\n", len(policies))

	decisions := []models.Decision{
		models.DecisionAllowed, models.DecisionAllowed, models.DecisionAllowed,
		models.DecisionReview, models.DecisionFlagged, models.DecisionBlocked,
	}

	count := 200
	for i := 0; i < count; i++ {
		n := rand.Intn(len(tools))
		user := users[rand.Intn(len(users))]
		decision := decisions[rand.Intn(len(decisions))]
		createdAt := time.Now().UTC().Add(-time.Duration(rand.Intn(72)) * time.Hour)

		score := 0
		switch decision {
		case models.DecisionReview:
			score = 30 + rand.Intn(40)
		case models.DecisionFlagged:
			score = 70 + rand.Intn(31)
		case models.DecisionBlocked:
			score = 100
		default:
			score = rand.Intn(30)
		}

		event := &models.AuditEvent{
			ID:            uuid.New(),
			OrgID:         org.ID,
			Tool:          tools[n],
			Domain:        domains[n],
			UserEmail:     &user,
			PromptText:    &prompts[rand.Intn(len(prompts))],
			Decision:      decision,
			RiskScore:     score,
			IntegrityHash: integrity.AuditDigest(org.ID, nil, tools[n], domains[n], string(decision), createdAt),
			CreatedAt:     createdAt,
		}
		if err := st.InsertAuditEvent(ctx, event); err != nil {
			log.Fatalf("Failed to insert event: %v", err)
		}
	}
	fmt.Printf("Audit events: %d\n", count)
}
