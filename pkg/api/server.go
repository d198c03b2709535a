// Package api is the thin REST/WebSocket surface in front of the app
// layer. Routing and transport live here; everything order-related is
// delegated.
package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/app/exchange"
	"github.com/outcomex/outcomex/pkg/clob"
)

type Server struct {
	app    *exchange.App
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(app *exchange.App, logger *zap.Logger) *Server {
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    NewHub(logger.Sugar()),
		log:    logger.Sugar(),
	}
	s.setupRoutes()
	return s
}

// Hub exposes the WebSocket hub so the price sink can broadcast into it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{hash}", s.handleGetOrder).Methods("GET")

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{conditionId}/book/{tokenId}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/markets/{conditionId}/trades", s.handleGetTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Start(addr string) error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)

	s.log.Infow("api listening", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	order, err := req.ToOrder()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.app.SubmitOrder(r.Context(), order)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := SubmitOrderResponse{
		OrderHash:   res.Order.Hash.Hex(),
		Status:      "matched",
		TakerFilled: res.TakerFilled.String(),
	}
	if res.NoMatch {
		resp.Status = "resting"
	}
	for _, f := range res.Fills {
		info := fillInfo(f)
		resp.Fills = append(resp.Fills, info)
		s.hub.BroadcastToChannel("trades:"+f.MarketID.Hex(), info)
	}
	if (res.TxHash != common.Hash{}) {
		resp.TxHash = res.TxHash.Hex()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	salt, ok := new(big.Int).SetString(req.Salt, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "bad salt")
		return
	}
	sig := common.FromHex(req.Signature)
	err := s.app.CancelOrder(r.Context(), common.HexToHash(req.OrderHash), salt, sig)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	hash := common.HexToHash(mux.Vars(r)["hash"])
	o, err := s.app.Order(hash)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.app.Markets()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	infos := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		info := MarketInfo{
			ConditionID: m.ConditionID.Hex(),
			Question:    m.Question,
			YesTokenID:  m.YesTokenID.String(),
			NoTokenID:   m.NoTokenID.String(),
		}
		if vol, err := s.app.Volume(m.ConditionID); err == nil {
			info.Volume = vol.String()
		}
		infos = append(infos, info)
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conditionID := common.HexToHash(vars["conditionId"])
	tokenID, ok := new(big.Int).SetString(vars["tokenId"], 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "bad token id")
		return
	}
	bids, asks, err := s.app.BookSnapshot(conditionID, tokenID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snap := BookSnapshot{
		MarketID:  conditionID.Hex(),
		TokenID:   tokenID.String(),
		Bids:      make([]BookLevel, 0, len(bids)),
		Asks:      make([]BookLevel, 0, len(asks)),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, l := range bids {
		snap.Bids = append(snap.Bids, BookLevel{Price: l.Price, Size: l.Size.String()})
	}
	for _, l := range asks {
		snap.Asks = append(snap.Asks, BookLevel{Price: l.Price, Size: l.Size.String()})
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	conditionID := common.HexToHash(mux.Vars(r)["conditionId"])
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	fills, err := s.app.Trades(conditionID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	infos := make([]FillInfo, 0, len(fills))
	for _, f := range fills {
		infos = append(infos, fillInfo(f))
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the clob error taxonomy onto HTTP statuses.
// Settlement failures are retryable by the caller; reconciliation lag is
// an internal concern and never reaches here as an order failure.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clob.ErrMalformedOrder), errors.Is(err, clob.ErrBadSignature):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, clob.ErrUnknownOrder), errors.Is(err, clob.ErrUnknownMarket):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, clob.ErrAlreadyFilled), errors.Is(err, clob.ErrAlreadyCancelled):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, clob.ErrSettlementFailed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Errorw("internal error", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
