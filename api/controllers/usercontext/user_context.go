package usercontext

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/api/middleware"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

// ResolveUserID returns the authenticated caller. Billing operations always act
// on the caller's own record; no route accepts a user id from the client.
func ResolveUserID(r *http.Request) (uuid.UUID, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context required")
	}
	return userID, nil
}
