package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mapleshot/mapleshot/internal/custapi"
	"github.com/mapleshot/mapleshot/internal/gemini"
	"github.com/mapleshot/mapleshot/internal/payment"
	"github.com/mapleshot/mapleshot/internal/service"
)

const maxPhotoBytes = 15 << 20

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	photo, presetID, styleID, err := parseGenerationForm(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.generator.Generate(r.Context(), service.GenerationRequest{
		Identity: requestIdentity(r),
		Photo:    photo,
		PresetID: presetID,
		StyleID:  styleID,
	})
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, generateResponse{
		Success:        true,
		ContentType:    string(result.ContentType),
		Images:         result.URLs,
		VideoURL:       result.VideoURL,
		UsedFreeCredit: result.UsedFreeCredit,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	photo, presetID, _, err := parseGenerationForm(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.preview.Preview(r.Context(), service.PreviewRequest{
		Caller:   r.RemoteAddr,
		Photo:    photo,
		PresetID: presetID,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			s.writeError(w, http.StatusTooManyRequests, "Daily preview limit reached. Sign up for unlimited generations!")
		case errors.Is(err, service.ErrRefsNotAllowed):
			s.writeError(w, http.StatusForbidden, "This preset requires a paid account")
		case errors.Is(err, service.ErrUnknownPreset), errors.Is(err, service.ErrInvalidRequest):
			s.writeError(w, http.StatusBadRequest, "Invalid preview request")
		default:
			s.log.Error("preview failed", "err", err)
			s.writeError(w, http.StatusInternalServerError, "Preview generation failed")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, previewResponse{
		Success: true,
		Images:  result.Images,
		Receipt: result.Receipt,
		Message: "Preview generated! Sign up for full-resolution images.",
	})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	who := requestIdentity(r)
	acct, err := s.ledger.Read(r.Context(), who)
	if err != nil {
		s.log.Error("read credits", "identity", who, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := creditsResponse{
		Image: creditBucket{
			Free:  acct.FreeImageCredits,
			Paid:  acct.PaidImageCredits,
			Total: acct.FreeImageCredits + acct.PaidImageCredits,
		},
		Video: creditBucket{
			Free:  acct.FreeVideoCredits,
			Paid:  acct.PaidVideoCredits,
			Total: acct.FreeVideoCredits + acct.PaidVideoCredits,
		},
		TotalImageGenerations: acct.TotalImageGenerations,
		TotalVideoGenerations: acct.TotalVideoGenerations,
		LastImagePreset:       acct.LastImagePreset,
		LastVideoPreset:       acct.LastVideoPreset,
	}
	if acct.LastImageChargeAt != nil {
		resp.LastImageChargeAt = acct.LastImageChargeAt.UTC().Format(time.RFC3339)
	}
	if acct.LastVideoChargeAt != nil {
		resp.LastVideoChargeAt = acct.LastVideoChargeAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	presets := s.catalog.Presets()
	out := make([]presetDTO, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetDTO{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			Kind:         p.Kind,
			RequiresRefs: p.RequiresRefs,
		})
	}

	styles := s.catalog.Styles()
	styleOut := make([]styleDTO, 0, len(styles))
	for _, st := range styles {
		styleOut = append(styleOut, styleDTO{ID: st.ID, Name: st.Name, Description: st.Description})
	}

	prices := s.catalog.Prices()
	priceOut := make([]priceDTO, 0, len(prices))
	for _, pr := range prices {
		priceOut = append(priceOut, priceDTO{
			ID:         pr.ID,
			Label:      pr.Label,
			Amount:     pr.Amount,
			CreditType: pr.CreditType,
			Credits:    pr.Credits,
		})
	}

	s.writeJSON(w, http.StatusOK, catalogResponse{Presets: out, Styles: styleOut, Prices: priceOut})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	price, ok := s.catalog.Price(req.PriceID)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown price id")
		return
	}

	base := strings.TrimRight(s.cfg.AppBaseURL, "/")
	session, err := s.checkout.CreateCheckoutSession(r.Context(), requestIdentity(r),
		[]custapi.CheckoutItem{{PriceID: price.PriceID, Quantity: req.Quantity}},
		base+"/checkout/success", base+"/checkout/cancel")
	if err != nil {
		s.log.Error("create checkout session", "err", err)
		s.writeError(w, http.StatusInternalServerError, "checkout failed")
		return
	}

	s.writeJSON(w, http.StatusOK, checkoutResponse{URL: session.URL})
}

// handlePaymentWebhook verifies the provider signature against the raw
// body before anything touches the ledger.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := s.readLimitedBody(r, 1<<20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return
	}

	sig := r.Header.Get("Payment-Signature")
	if sig == "" {
		sig = r.Header.Get("Stripe-Signature")
	}
	if err := payment.VerifySignature(body, sig, s.cfg.PaymentWebhookSecret, s.cfg.PaymentWebhookTolerance, s.now()); err != nil {
		s.log.Warn("webhook signature rejected", "err", err)
		s.writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	event, err := payment.ParseEvent(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	credits, err := s.processor.Apply(r.Context(), event)
	if err != nil {
		s.log.Error("apply webhook event", "event_id", event.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	s.writeJSON(w, http.StatusOK, webhookResponse{Received: true, Credits: credits})
}

func (s *Server) handleResetCredits(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.Identity != "" {
		if err := s.ledger.Reset(r.Context(), req.Identity); err != nil {
			s.log.Error("reset credits", "identity", req.Identity, "err", err)
			s.writeError(w, http.StatusInternalServerError, "reset failed")
			return
		}
	}
	if req.Caller != "" {
		s.preview.ResetLimit(req.Caller)
	}
	if req.Identity == "" && req.Caller == "" {
		s.writeError(w, http.StatusBadRequest, "identity or caller required")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	var insufficient *service.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":       "insufficient credits",
			"credit_type": string(insufficient.CreditType),
		})
	case errors.Is(err, service.ErrUnknownPreset),
		errors.Is(err, service.ErrUnknownStyle),
		errors.Is(err, service.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "invalid generation request")
	default:
		s.log.Error("generation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "generation failed")
	}
}

func parseGenerationForm(r *http.Request) (gemini.Blob, string, string, error) {
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		return gemini.Blob{}, "", "", errors.New("photo and preset_id are required")
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		return gemini.Blob{}, "", "", errors.New("photo is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes+1))
	if err != nil {
		return gemini.Blob{}, "", "", errors.New("read photo")
	}
	if len(data) > maxPhotoBytes {
		return gemini.Blob{}, "", "", errors.New("photo exceeds the 15 MB limit")
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}

	presetID := r.FormValue("preset_id")
	if presetID == "" {
		presetID = r.FormValue("presetId")
	}
	if presetID == "" {
		return gemini.Blob{}, "", "", errors.New("preset_id is required")
	}

	styleID := r.FormValue("style_id")
	if styleID == "" {
		styleID = r.FormValue("styleId")
	}

	return gemini.Blob{Data: data, Mime: mime}, presetID, styleID, nil
}

type generateResponse struct {
	Success        bool     `json:"success"`
	ContentType    string   `json:"content_type"`
	Images         []string `json:"images,omitempty"`
	VideoURL       string   `json:"video_url,omitempty"`
	UsedFreeCredit bool     `json:"used_free_credit"`
}

type previewResponse struct {
	Success bool     `json:"success"`
	Images  []string `json:"images"`
	Receipt string   `json:"receipt"`
	Message string   `json:"message"`
}

type creditBucket struct {
	Free  int `json:"free"`
	Paid  int `json:"paid"`
	Total int `json:"total"`
}

type creditsResponse struct {
	Image                 creditBucket `json:"image"`
	Video                 creditBucket `json:"video"`
	TotalImageGenerations int          `json:"total_image_generations"`
	TotalVideoGenerations int          `json:"total_video_generations"`
	LastImagePreset       string       `json:"last_image_preset,omitempty"`
	LastVideoPreset       string       `json:"last_video_preset,omitempty"`
	LastImageChargeAt     string       `json:"last_image_charge_at,omitempty"`
	LastVideoChargeAt     string       `json:"last_video_charge_at,omitempty"`
}

type presetDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Kind         string `json:"kind"`
	RequiresRefs bool   `json:"requires_refs"`
}

type styleDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type priceDTO struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Amount     string `json:"amount"`
	CreditType string `json:"credit_type"`
	Credits    int    `json:"credits"`
}

type catalogResponse struct {
	Presets []presetDTO `json:"presets"`
	Styles  []styleDTO  `json:"styles"`
	Prices  []priceDTO  `json:"prices"`
}

type checkoutRequest struct {
	PriceID  string `json:"price_id"`
	Quantity int    `json:"quantity"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

type webhookResponse struct {
	Received bool `json:"received"`
	Credits  int  `json:"credits"`
}

type resetRequest struct {
	Identity string `json:"identity"`
	Caller   string `json:"caller"`
}
