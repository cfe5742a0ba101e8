package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
)

const maxWebhookBytes = 1 << 20

// HandlePaymentWebhook answers 200 for anything the provider should not
// redeliver, including duplicates and event types signflow does not use.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil && !webhookAcknowledged(err) {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func webhookAcknowledged(err error) bool {
	return errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) || errors.Is(err, paymentdomain.ErrEventIgnored)
}
