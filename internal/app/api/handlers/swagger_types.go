package handlers

import (
	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/internal/app/service/statistics"
	"github.com/petgourmet/billing-backend/pkg/response"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespProcessResult wraps a reconciliation result in the standard envelope.
type RespProcessResult struct {
	Code    response.APIResponseCode     `json:"code"`
	Message string                       `json:"message"`
	Data    reconciliation.ProcessResult `json:"data"`
}

// RespDiscrepancyReport wraps an admin sync report in the standard envelope.
type RespDiscrepancyReport struct {
	Code    response.APIResponseCode         `json:"code"`
	Message string                           `json:"message"`
	Data    reconciliation.DiscrepancyReport `json:"data"`
}

// RespBillingStatistic wraps BillingStatisticResponse in the standard envelope.
type RespBillingStatistic struct {
	Code    response.APIResponseCode             `json:"code"`
	Message string                               `json:"message"`
	Data    statistics.BillingStatisticResponse  `json:"data"`
}
