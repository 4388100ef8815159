package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
	"flowline/internal/server"
)

func main() {
	workspace := "/tmp/flowline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("check")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.UpsertDeploymentConfig(ctx, "check", cfg); err != nil {
		panic(err)
	}
	seed(ctx, e.Repo)

	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "alice", []string{"unit_manager"})

	start := post(ts.URL+"/v0/workflows/leave_request/start", token, map[string]any{})
	fmt.Printf("start: %v\n", start)
	inv, _ := start["invitation"].(map[string]any)
	invID, _ := inv["id"].(string)

	claim := post(ts.URL+"/v0/invitations/"+invID+"/assign-yourself", token, map[string]any{})
	fmt.Printf("claim: %v\n", claim)
	again := post(ts.URL+"/v0/invitations/"+invID+"/assign-yourself", token, map[string]any{})
	fmt.Printf("second claim: %v\n", again)
}

func seed(ctx context.Context, r repo.Repo) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		panic(err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertUser(ctx, tx, domain.User{ID: "alice", Username: "alice", CreatedAt: now}); err != nil {
		panic(err)
	}
	if err := r.InsertRole(ctx, tx, "unit_manager", "unit managers"); err != nil {
		panic(err)
	}
	if err := r.AddRoleMember(ctx, tx, "unit_manager", "alice"); err != nil {
		panic(err)
	}
	if err := tx.Commit(); err != nil {
		panic(err)
	}
}

func post(url, token string, body map[string]any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp map[string]any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	resp["_status"] = res.StatusCode
	return resp
}

func signToken(secret, userID string, roles []string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"roles": roles,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
