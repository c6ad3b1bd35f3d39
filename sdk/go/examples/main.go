package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Broadcast/sdk/go/broadcast"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/pending", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(broadcast.Preview{
			PendingConfirmationID: "evm_confirm_demo",
			ContentHash:           "demo-hash",
			Network:               "sepolia",
			ExpiresInMS:           600000,
		})
	})
	mux.HandleFunc("POST /api/v1/pending/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(broadcast.Outcome{
			Status:                "confirmed",
			PendingConfirmationID: r.PathValue("id"),
			Network:               "sepolia",
			TxHash:                "0xdemo",
			Commitment:            "confirmed",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := broadcast.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	preview, err := client.Preview(ctx, broadcast.PreviewRequest{
		Network: "sepolia",
		Tx:      []byte{0x02, 0xf8},
		Summary: broadcast.Summary{Kind: "transfer", Description: "demo transfer"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("staged %s (hash=%s)\n", preview.PendingConfirmationID, preview.ContentHash)

	outcome, err := client.Confirm(ctx, broadcast.ConfirmRequest{
		ID:           preview.PendingConfirmationID,
		ContentHash:  preview.ContentHash,
		ConfirmToken: preview.ConfirmToken,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("confirm %s: %s at %s\n", outcome.PendingConfirmationID, outcome.Status, outcome.TxHash)
}
