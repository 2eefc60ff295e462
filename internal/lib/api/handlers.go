package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

func caller(r *http.Request) ledger.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func pathUint(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", errBadBody, name, chi.URLParam(r, name))
	}
	return v, nil
}

func pathIdentity(r *http.Request, name string) (ledger.Identity, error) {
	return ledger.ParseIdentity(chi.URLParam(r, name))
}

// withPosition parses {id} and hands it to fn, writing the error envelope on failure.
func withPosition(w http.ResponseWriter, r *http.Request, fn func(id ledger.PositionID) (any, error)) {
	raw, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	respond(w, http.StatusOK, fn, ledger.PositionID(raw))
}

func withVoucher(w http.ResponseWriter, r *http.Request, fn func(id ledger.VoucherID) (any, error)) {
	raw, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	respond(w, http.StatusOK, fn, ledger.VoucherID(raw))
}

func respond[T any](w http.ResponseWriter, status int, fn func(T) (any, error), arg T) {
	out, err := fn(arg)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, status, out)
}

func badRequest(w http.ResponseWriter, err error) {
	if ledger.KindOf(err) != ledger.KindUnknown {
		writeLedgerError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", err)
}

// positions

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(req.Amount))
	if err != nil {
		badRequest(w, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, req.Amount))
		return
	}
	lock, err := time.ParseDuration(req.LockDuration)
	if err != nil {
		badRequest(w, fmt.Errorf("%w: %q", ledger.ErrInvalidDuration, req.LockDuration))
		return
	}
	id, err := s.ledger.Positions.OpenPosition(r.Context(), caller(r), amount, lock)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	pos, err := s.ledger.Positions.Position(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionJSON(pos))
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		return nil, s.ledger.Positions.ClosePosition(r.Context(), id, caller(r))
	})
}

func (s *Server) forceClosePosition(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		return nil, s.ledger.Positions.ForceClosePosition(r.Context(), id, caller(r))
	})
}

func (s *Server) reevaluateTier(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		tier, err := s.ledger.Positions.ReevaluateTier(r.Context(), id, caller(r))
		if err != nil {
			return nil, err
		}
		return map[string]ledger.Tier{"tier": tier}, nil
	})
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		pos, err := s.ledger.Positions.Position(id)
		if err != nil {
			return nil, err
		}
		return toPositionJSON(pos), nil
	})
}

func (s *Server) positionStatus(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		st, err := s.ledger.Positions.PositionStatus(id, s.clock.Now())
		if err != nil {
			return nil, err
		}
		return toStatusJSON(st), nil
	})
}

func (s *Server) positionVouchers(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		if _, err := s.ledger.Positions.Position(id); err != nil {
			return nil, err
		}
		return toVouchersJSON(s.ledger.Vouchers.VouchersForPosition(id)), nil
	})
}

func (s *Server) positionArtifacts(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		if _, err := s.ledger.Positions.Position(id); err != nil {
			return nil, err
		}
		if s.artifacts == nil {
			return []ledger.Artifact{}, nil
		}
		arts, err := s.artifacts.Artifacts(r.Context(), id)
		if err != nil {
			return nil, err
		}
		type artifactJSON struct {
			ID          string      `json:"id"`
			RewardIndex uint64      `json:"rewardIndex"`
			Tier        ledger.Tier `json:"tier"`
			MintedAt    time.Time   `json:"mintedAt"`
			Reference   string      `json:"reference,omitempty"`
		}
		out := make([]artifactJSON, 0, len(arts))
		for _, a := range arts {
			out = append(out, artifactJSON{ID: a.ID, RewardIndex: a.RewardIndex, Tier: a.Tier, MintedAt: a.MintedAt, Reference: a.Reference})
		}
		return out, nil
	})
}

func (s *Server) activePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toPositionsJSON(s.ledger.Positions.ActivePositions()))
}

func (s *Server) ownerPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := pathIdentity(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionsJSON(s.ledger.Positions.PositionsOf(owner)))
}

// vouchers

func (s *Server) issueVoucher(w http.ResponseWriter, r *http.Request) {
	var req voucherSpecJSON
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		badRequest(w, err)
		return
	}
	raw, err := pathUint(r, "id")
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, http.StatusCreated, func(id ledger.PositionID) (any, error) {
		vid, err := s.ledger.Vouchers.IssueVoucher(r.Context(), caller(r), id, spec)
		if err != nil {
			return nil, err
		}
		v, err := s.ledger.Vouchers.Voucher(vid)
		if err != nil {
			return nil, err
		}
		return toVoucherJSON(v), nil
	}, ledger.PositionID(raw))
}

func (s *Server) issueBundle(w http.ResponseWriter, r *http.Request) {
	withPosition(w, r, func(id ledger.PositionID) (any, error) {
		ids, err := s.ledger.Vouchers.IssueTierBundle(r.Context(), caller(r), id)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []ledger.VoucherID{}
		}
		return map[string][]ledger.VoucherID{"voucherIds": ids}, nil
	})
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	v, err := s.ledger.Vouchers.Redeem(r.Context(), req.Code, caller(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoucherJSON(v))
}

func (s *Server) redeemByID(w http.ResponseWriter, r *http.Request) {
	withVoucher(w, r, func(id ledger.VoucherID) (any, error) {
		v, err := s.ledger.Vouchers.RedeemByID(r.Context(), id, caller(r))
		if err != nil {
			return nil, err
		}
		return toVoucherJSON(v), nil
	})
}

func (s *Server) revokeVoucher(w http.ResponseWriter, r *http.Request) {
	withVoucher(w, r, func(id ledger.VoucherID) (any, error) {
		return nil, s.ledger.Vouchers.Revoke(r.Context(), id, caller(r))
	})
}

func (s *Server) voucher(w http.ResponseWriter, r *http.Request) {
	withVoucher(w, r, func(id ledger.VoucherID) (any, error) {
		v, err := s.ledger.Vouchers.Voucher(id)
		if err != nil {
			return nil, err
		}
		return toVoucherJSON(v), nil
	})
}

func (s *Server) voucherValid(w http.ResponseWriter, r *http.Request) {
	withVoucher(w, r, func(id ledger.VoucherID) (any, error) {
		return map[string]bool{"valid": s.ledger.Vouchers.IsValid(id)}, nil
	})
}

func (s *Server) voucherByCode(w http.ResponseWriter, r *http.Request) {
	v, err := s.ledger.Vouchers.FindByQRCode(chi.URLParam(r, "code"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoucherJSON(v))
}

func (s *Server) ownerVouchers(w http.ResponseWriter, r *http.Request) {
	owner, err := pathIdentity(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVouchersJSON(s.ledger.Vouchers.VouchersOf(owner)))
}

// access control

func roleParams(r *http.Request) (ledger.Identity, ledger.Role, error) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		return "", 0, err
	}
	role, err := ledger.ParseRole(chi.URLParam(r, "role"))
	return id, role, err
}

func (s *Server) grantRole(w http.ResponseWriter, r *http.Request) {
	id, role, err := roleParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err = s.ledger.Access.GrantRole(r.Context(), caller(r), id, role); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	id, role, err := roleParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err = s.ledger.Access.RevokeRole(r.Context(), caller(r), id, role); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) roles(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		badRequest(w, err)
		return
	}
	names := []string{}
	for _, role := range s.ledger.Access.RolesOf(id).Roles() {
		names = append(names, role.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": id,
		"roles":    names,
		"blocked":  s.ledger.Access.IsBlocked(id),
	})
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	s.setBlocked(w, r, true)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	s.setBlocked(w, r, false)
}

func (s *Server) setBlocked(w http.ResponseWriter, r *http.Request, block bool) {
	id, err := pathIdentity(r, "identity")
	if err != nil {
		badRequest(w, err)
		return
	}
	if block {
		err = s.ledger.Access.Block(r.Context(), caller(r), id)
	} else {
		err = s.ledger.Access.Unblock(r.Context(), caller(r), id)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) blocklist(w http.ResponseWriter, _ *http.Request) {
	blocked := s.ledger.Access.Blocked()
	if blocked == nil {
		blocked = []ledger.Identity{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

// tiers

func (s *Server) tierTable(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toTierTableJSON(s.ledger.Positions.TierTable()))
}

func (s *Server) updateTierTable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tiers []tierDefinitionJSON `json:"tiers"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	defs := make([]ledger.TierDefinition, 0, len(req.Tiers))
	for _, t := range req.Tiers {
		def, err := t.definition()
		if err != nil {
			badRequest(w, err)
			return
		}
		defs = append(defs, def)
	}
	table, err := s.ledger.Positions.UpdateTierTable(r.Context(), caller(r), defs)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierTableJSON(table))
}

// keeper

func (s *Server) keeperState(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	_, due := s.keeper.CheckUpkeep(now)
	if due == nil {
		due = []ledger.PositionID{}
	}
	writeJSON(w, http.StatusOK, keeperJSON{
		State:       s.keeper.State(now).String(),
		LastUpkeep:  optTime(s.keeper.LastUpkeep()),
		BatchSize:   s.keeper.Config().BatchSize,
		MinWaitTime: s.ledger.Positions.MinWaitTime().String(),
		Due:         due,
	})
}

// performUpkeep runs one poll on behalf of a Minter; the hosting cadence normally does this itself.
func (s *Server) performUpkeep(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Access.Require(caller(r), ledger.RoleMinter); err != nil {
		writeLedgerError(w, err)
		return
	}
	// a client that goes away must not abandon steps that already minted
	writeJSON(w, http.StatusOK, toUpkeepJSON(s.keeper.RunOnce(context.WithoutCancel(r.Context()))))
}

func (s *Server) updateKeeperConfig(w http.ResponseWriter, r *http.Request) {
	var req keeperConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	minWait, err := time.ParseDuration(req.MinWaitTime)
	if err != nil {
		badRequest(w, fmt.Errorf("%w: minWaitTime %q", ledger.ErrInvalidConfig, req.MinWaitTime))
		return
	}
	if err = s.keeper.UpdateConfig(caller(r), req.BatchSize, minWait); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
