package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
)

const (
	headerUserID   = "X-User-Id"
	headerUsername = "X-Username"
	headerStaff    = "X-User-Staff"
	headerLocale   = "X-User-Locale"
)

// Identity reads the caller resolved by the fronting LMS gateway into
// ctxutil.RequestData. Requests without X-User-Id are anonymous.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := &ctxutil.RequestData{
			UserID:   strings.TrimSpace(c.GetHeader(headerUserID)),
			Username: strings.TrimSpace(c.GetHeader(headerUsername)),
			Locale:   locale(c.GetHeader(headerLocale), c.GetHeader("Accept-Language")),
		}
		if staff, err := strconv.ParseBool(strings.TrimSpace(c.GetHeader(headerStaff))); err == nil {
			rd.IsStaff = staff
		}
		c.Request = c.Request.WithContext(ctxutil.WithRequestData(c.Request.Context(), rd))
		if rd.UserID != "" {
			c.Set("user_id", rd.UserID)
		}
		c.Next()
	}
}

func locale(explicit, acceptLanguage string) string {
	if tag, err := language.Parse(strings.TrimSpace(explicit)); err == nil {
		return tag.String()
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}
