package meet

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const maxBridgeBody = 1 << 20

type captionsRequest struct {
	Captions []CaptionObserved `json:"captions"`
}

type participantsRequest struct {
	Count *int `json:"count"`
}

type bannerRequest struct {
	Visible bool `json:"visible"`
}

// Register mounts the driver-facing endpoints under /bridge/.
func (b *Bridge) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /bridge/meeting", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"meeting_url": b.meetingURL,
			"bot_name":    b.botName,
			"stats":       b.Stats(),
		})
	})

	mux.HandleFunc("POST /bridge/joined", func(w http.ResponseWriter, r *http.Request) {
		b.MarkJoined()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /bridge/ended", func(w http.ResponseWriter, r *http.Request) {
		b.MarkEnded()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /bridge/captions", func(w http.ResponseWriter, r *http.Request) {
		var req captionsRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		accepted := 0
		for _, c := range req.Captions {
			if b.Push(r.Context(), c) {
				accepted++
			}
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
	})

	mux.HandleFunc("POST /bridge/participants", func(w http.ResponseWriter, r *http.Request) {
		var req participantsRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Count == nil {
			b.SetParticipants(-1)
		} else {
			b.SetParticipants(*req.Count)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /bridge/banner", func(w http.ResponseWriter, r *http.Request) {
		var req bannerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		b.SetBanner(req.Visible)
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBridgeBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
