package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/nidaanhealth/carebill/internal/billing/domain"
)

type updateStatusRequest struct {
	Status string `json:"status"`
}

type recordPaymentRequest struct {
	Payment      billingdomain.PaymentPayload `json:"payment"`
	TargetStatus string                       `json:"target_status,omitempty"`
}

type settleRequest struct {
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req billingdomain.InvoicePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoice, err := s.billingSvc.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) UpdateInvoice(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	var req billingdomain.InvoicePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoice, err := s.billingSvc.UpdateInvoice(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	if err := s.billingSvc.CancelInvoice(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id.String(), "status": billingdomain.InvoiceStatusCancelled}})
}

func (s *Server) UpdateInvoiceStatus(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.billingSvc.UpdateInvoiceStatus(c.Request.Context(), id,
		billingdomain.InvoiceStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RecordPayment(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.billingSvc.RecordPayment(c.Request.Context(), id, req.Payment,
		billingdomain.InvoiceStatus(strings.TrimSpace(req.TargetStatus)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) SettlePatientDues(c *gin.Context) {
	patientID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid patient id"))
		return
	}

	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.billingSvc.SettlePatientDues(c.Request.Context(), patientID,
		req.Amount, billingdomain.PaymentMethod(strings.TrimSpace(req.Method)), req.Reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetPatientBalance(c *gin.Context) {
	patientID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid patient id"))
		return
	}

	result, err := s.billingSvc.GetPatientBalance(c.Request.Context(), patientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetPatientOutstandingBalance(c *gin.Context) {
	patientID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid patient id"))
		return
	}

	result, err := s.billingSvc.GetPatientOutstandingBalance(c.Request.Context(), patientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetOutstandingInvoices(c *gin.Context) {
	patientID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid patient id"))
		return
	}

	invoices, err := s.billingSvc.GetOutstandingInvoices(c.Request.Context(), patientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetOutstandingPurchaseBills(c *gin.Context) {
	supplierID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid partner id"))
		return
	}

	bills, err := s.billingSvc.GetOutstandingPurchaseBills(c.Request.Context(), supplierID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bills})
}
