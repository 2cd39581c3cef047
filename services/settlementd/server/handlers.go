package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/escrow"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/reports"
)

type donationRequest struct {
	CampaignID   string `json:"campaignId"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Recurring    bool   `json:"recurring"`
	Frequency    string `json:"frequency"`
	Anonymous    bool   `json:"anonymous"`
	Message      string `json:"message"`
	FiatAmount   string `json:"fiatAmount"`
	FiatCurrency string `json:"fiatCurrency"`
}

func (s *Server) processDonation(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}
	var body donationRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	campaignID, err := parseID(body.CampaignID, "campaignId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := donations.Options{
		Recurring:    body.Recurring,
		Frequency:    models.Frequency(strings.ToLower(strings.TrimSpace(body.Frequency))),
		Anonymous:    body.Anonymous,
		Message:      body.Message,
		FiatCurrency: body.FiatCurrency,
	}
	if strings.TrimSpace(body.FiatAmount) != "" {
		fiat, err := decimal.NewFromString(strings.TrimSpace(body.FiatAmount))
		if err != nil {
			s.writeError(w, r, domain.Validationf("fiatAmount is not a decimal"))
			return
		}
		opts.FiatAmount = decimal.NewNullDecimal(fiat)
	}
	result, err := s.cfg.Donations.ProcessDonation(r.Context(), donations.Request{
		DonorID:    claims.Subject,
		CampaignID: campaignID,
		Amount:     amount,
		Currency:   body.Currency,
		Options:    opts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Success {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) getDonation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	details, err := s.cfg.Donations.GetTransactionDetails(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) cancelRecurring(w http.ResponseWriter, r *http.Request) {
	s.updateSubscription(w, r, s.cfg.Donations.CancelRecurringDonation)
}

func (s *Server) resumeRecurring(w http.ResponseWriter, r *http.Request) {
	s.updateSubscription(w, r, s.cfg.Donations.ResumeRecurringDonation)
}

type subscriptionUpdate func(ctx context.Context, donationID, requestedBy uuid.UUID) (*models.RecurringSubscription, error)

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request, update subscriptionUpdate) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := update(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptionId": sub.ID,
		"status":         sub.Status,
		"nextProcessing": sub.NextProcessing,
	})
}

type releaseRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) releaseMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}
	campaignID, milestoneID, err := milestoneParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body releaseRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var amount decimal.Decimal
	if strings.TrimSpace(body.Amount) != "" {
		amount, err = domain.ParseAmount(body.Amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	result, err := s.cfg.Escrow.ReleaseMilestoneFunding(r.Context(), escrow.Release{
		CampaignID:   campaignID,
		MilestoneID:  milestoneID,
		AuthorizedBy: claims.Subject,
		Amount:       amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Submitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) activateMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}
	campaignID, milestoneID, err := milestoneParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	milestone, err := s.cfg.Escrow.ActivateMilestone(r.Context(), campaignID, milestoneID, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"milestoneId": milestone.ID,
		"status":      milestone.Status,
	})
}

func (s *Server) fundDonorWallet(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}
	donorID, err := parseID(chi.URLParam(r, "id"), "donor id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.cfg.Wallets.FundDonorWallet(r.Context(), donorID, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Submitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) campaignReport(w http.ResponseWriter, r *http.Request) {
	campaignID, opts, err := reportParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.cfg.Reports.CreateCampaignDonationReport(r.Context(), campaignID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) exportReport(w http.ResponseWriter, r *http.Request) {
	campaignID, opts, err := reportParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.cfg.Reports.CreateCampaignDonationReport(r.Context(), campaignID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	files, err := reports.Export(report, s.cfg.ReportDir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, files)
}

func (s *Server) riskScore(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	score, err := s.cfg.Risk.CalculateRiskScore(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) runRecurring(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Recurring.RunDue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) runReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Reconciler.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.Validationf("%s must be a uuid", field)
	}
	return id, nil
}

func milestoneParams(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	campaignID, err := parseID(chi.URLParam(r, "id"), "campaign id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	milestoneID, err := parseID(chi.URLParam(r, "milestoneID"), "milestone id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return campaignID, milestoneID, nil
}

func reportParams(r *http.Request) (uuid.UUID, reports.Options, error) {
	var opts reports.Options
	campaignID, err := parseID(chi.URLParam(r, "id"), "campaign id")
	if err != nil {
		return uuid.Nil, opts, err
	}
	query := r.URL.Query()
	if opts.From, err = parseTime(query.Get("from"), "from"); err != nil {
		return uuid.Nil, opts, err
	}
	if opts.To, err = parseTime(query.Get("to"), "to"); err != nil {
		return uuid.Nil, opts, err
	}
	opts.Bucket = reports.Bucket(strings.ToLower(strings.TrimSpace(query.Get("bucket"))))
	return campaignID, opts, nil
}

func parseTime(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, domain.Validationf("%s must be RFC3339 or YYYY-MM-DD", field)
	}
	return t, nil
}
