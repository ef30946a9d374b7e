package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secure-vault-hub/internal/apimgr"
	"secure-vault-hub/internal/integration"
	"secure-vault-hub/internal/secrets"
)

func main() {
	sys, err := integration.Initialize(integration.Config{
		MasterKey:           envOr("SVH_MASTER_KEY", ""),
		Environment:         envOr("SVH_ENVIRONMENT", "development"),
		SecretsDir:          envOr("SVH_SECRETS_DIR", "data/secrets"),
		AuditDBPath:         envOr("SVH_AUDIT_DB", "data/audit.db"),
		ConfigFile:          envOr("SVH_CONFIG_FILE", "configs/server.yaml"),
		CacheEnabled:        true,
		CacheTTL:            5 * time.Minute,
		AuditLogging:        true,
		RotationEnabled:     true,
		RotationSpec:        "@daily",
		HealthCheckInterval: 30 * time.Second,
	})
	if err != nil {
		log.Fatalf("initialization failed: %v", err)
	}

	registerEndpoints(sys)

	httpServer := &http.Server{
		Addr:         envOr("SVH_LISTEN", ":8080"),
		Handler:      sys.API.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server starting on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	sys.Shutdown()
	log.Println("server exited")
}

func registerEndpoints(sys *integration.System) {
	must(sys.CreateSecureEndpoint("/api/v1/health", http.MethodGet,
		func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
			return sys.PerformHealthCheck(r.Context()), nil
		},
		integration.EndpointOptions{DisableAuth: true}))

	must(sys.CreateSecureEndpoint("/api/v1/stats", http.MethodGet,
		func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
			return sys.GetSystemStats(r.Context()), nil
		},
		integration.EndpointOptions{Permissions: []string{"read:stats"}}))

	must(sys.CreateSecureEndpoint("/api/v1/secrets", http.MethodGet,
		func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
			return sys.Secrets.ListSecrets(r.Context(), r.URL.Query().Get("environment"))
		},
		integration.EndpointOptions{Permissions: []string{"read:secrets"}}))

	must(sys.CreateSecureEndpoint("/api/v1/secrets", http.MethodPost,
		func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
			body := apimgr.BodyFromContext(r.Context())
			principal := apimgr.PrincipalFromContext(r.Context())
			key, _ := body["key"].(string)
			value, _ := body["value"].(string)
			secret, err := sys.Secrets.SetSecret(r.Context(), key, value,
				secretMetadata(body), principal.ID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"id": secret.ID, "key": secret.Key}, nil
		},
		integration.EndpointOptions{
			Permissions: []string{"write:secrets"},
			Validation: &apimgr.ValidationSchema{
				Body: map[string]apimgr.FieldRule{
					"key":         {Required: true, Type: "string"},
					"value":       {Required: true, Type: "string"},
					"environment": {Type: "string"},
				},
			},
		}))

	must(sys.CreateSecureEndpoint("/api/v1/keys", http.MethodPost,
		func(w http.ResponseWriter, r *http.Request) (interface{}, error) {
			body := apimgr.BodyFromContext(r.Context())
			principal := apimgr.PrincipalFromContext(r.Context())
			name, _ := body["name"].(string)
			var perms []string
			if raw, ok := body["permissions"].([]interface{}); ok {
				for _, p := range raw {
					if s, ok := p.(string); ok {
						perms = append(perms, s)
					}
				}
			}
			return sys.API.GenerateAPIKey(r.Context(), name, apimgr.KeyOptions{
				UserID:      principal.ID,
				Permissions: perms,
			})
		},
		integration.EndpointOptions{
			Permissions: []string{"write:keys"},
			Validation: &apimgr.ValidationSchema{
				Body: map[string]apimgr.FieldRule{
					"name":        {Required: true, Type: "string"},
					"permissions": {Type: "array"},
				},
				Sanitize: true,
			},
		}))
}

func secretMetadata(body map[string]interface{}) secrets.Metadata {
	var meta secrets.Metadata
	if environment, ok := body["environment"].(string); ok {
		meta.Environment = environment
	}
	if description, ok := body["description"].(string); ok {
		meta.Description = description
	}
	if secretType, ok := body["type"].(string); ok {
		meta.Type = secretType
	}
	return meta
}

func must(err error) {
	if err != nil {
		log.Fatalf("endpoint registration failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
