package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Patron-Relay/sdk/go/patron"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string][]patron.Submission{
				"submissions": {{
					ID:        "sub-demo",
					Principal: "0x00000000000000000000000000000000000000aa",
					Sponsored: true,
					Status:    "pending",
					CreatedAt: time.Now().Unix(),
				}},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/submissions/sub-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(patron.Submission{
			ID:        "sub-demo",
			Principal: "0x00000000000000000000000000000000000000aa",
			Sponsored: true,
			Status:    "succeeded",
			Receipts: []patron.Receipt{{
				OperationHash: "0x1234",
				Success:       true,
				GasUsed:       40000,
				SponsoredCost: 40000,
				NewNonce:      1,
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := patron.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAccessToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submissions, err := client.SubmitOperations(ctx, patron.Operation{
		Sender:       "0x00000000000000000000000000000000000000aa",
		Target:       "0x00000000000000000000000000000000000000bb",
		Nonce:        0,
		GasLimit:     100000,
		MaxFeePerGas: "1",
		Sponsor:      "0x00000000000000000000000000000000000000cc",
		Signature:    "0x00",
	})
	if err != nil {
		panic(err)
	}
	submission := submissions[0]
	fmt.Printf("submitted %s (status=%s)\n", submission.ID, submission.Status)

	final, err := client.WaitForSubmission(ctx, submission.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("submission %s finished status=%s gas_used=%d\n",
		final.ID, final.Status, final.Receipts[0].GasUsed)
}
