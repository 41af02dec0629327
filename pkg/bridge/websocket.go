package bridge

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/monstercameron/enclave-bridge/pkg/enclave"
)

// handleWebSocket upgrades the connection and treats each message as one
// request body. Replies go back with the message type of the request.
// Failures are sent as {"error": ...} messages and the session continues.
func (handler *Handler) handleWebSocket(ctx context.Context, responseWriter http.ResponseWriter, request *http.Request, logger *slog.Logger) {
	webSocketConnection, upgradeError := handler.upgrader.Upgrade(responseWriter, request, nil)
	if upgradeError != nil {
		// The upgrader has already written an error response.
		logger.WarnContext(ctx, "websocket upgrade failed", "error", upgradeError)
		return
	}
	defer webSocketConnection.Close()
	webSocketConnection.SetReadLimit(handler.maxBodyBytes)

	logger = logger.With("session_id", uuid.NewString())
	logger.InfoContext(ctx, "websocket session started", "remote_addr", request.RemoteAddr)

	for {
		messageType, message, readError := webSocketConnection.ReadMessage()
		if readError != nil {
			if websocket.IsUnexpectedCloseError(readError, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnContext(ctx, "websocket session ended", "error", readError)
			} else {
				logger.InfoContext(ctx, "websocket session ended")
			}
			return
		}

		reply := handler.exchangeMessage(ctx, message, logger)
		if writeErr := webSocketConnection.WriteMessage(messageType, reply); writeErr != nil {
			logger.WarnContext(ctx, "websocket write failed", "error", writeErr)
			return
		}
	}
}

// exchangeMessage applies the same validation as POST / to one message.
func (handler *Handler) exchangeMessage(ctx context.Context, message []byte, logger *slog.Logger) []byte {
	if len(message) == 0 {
		return enclave.ErrorDocument(messageEmptyBody)
	}
	requestType, err := inspectEnvelope(message)
	if err != nil {
		return enclave.ErrorDocument(messageInvalidJSON)
	}
	logger.InfoContext(ctx, "forwarding websocket message", "type", requestType, "bytes", len(message))

	response, err := handler.enclave.Exchange(ctx, message)
	if err != nil {
		_, errorMessage := statusForError(err)
		logger.ErrorContext(ctx, "exchange failed", "error", err)
		return enclave.ErrorDocument(errorMessage)
	}
	return response
}
