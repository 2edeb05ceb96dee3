package chathandler

import "github.com/google/uuid"

func frameID() string {
	return uuid.NewString()
}
