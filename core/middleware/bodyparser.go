package middleware

import (
	"bytes"
	"mime"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/codec"
	"github.com/searchktools/nimble/core/http"
)

// DefaultBodyLimit caps request bodies read by BodyParser.
const DefaultBodyLimit = 1 << 20

const mimeForm = "application/x-www-form-urlencoded"

// BodyParser decodes JSON and form-urlencoded bodies into the context body.
// Malformed input fails with BadRequest and bodies over limit with
// PayloadTooLarge. Other content types are left for the handler.
func BodyParser(limit int64) http.MiddlewareFunc {
	if limit == 0 {
		limit = DefaultBodyLimit
	}
	return func(c *http.Context, next http.Next) error {
		if c.BodyParsed() {
			next(nil)
			return nil
		}
		ct := c.Header(core.HeaderContentType)
		if ct == "" {
			next(nil)
			return nil
		}
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return apperr.Wrap(err, apperr.KindBadRequest, "invalid Content-Type")
		}

		var body any
		if mt == mimeForm {
			data, err := c.RawBody(limit)
			if err != nil {
				return err
			}
			body = http.ParseQuery(string(data)).Map()
		} else {
			cd, err := codec.ForContentType(mt)
			if err != nil || cd.Name() != codec.JSON().Name() {
				// Protobuf and unknown types are left for Context.Bind.
				next(nil)
				return nil
			}
			data, err := c.RawBody(limit)
			if err != nil {
				return err
			}
			if len(bytes.TrimSpace(data)) == 0 {
				next(nil)
				return nil
			}
			if err := cd.Decode(data, &body); err != nil {
				return apperr.Wrap(err, apperr.KindBadRequest, "malformed JSON body")
			}
		}

		if err := c.SetBody(body); err != nil {
			return err
		}
		next(nil)
		return nil
	}
}

// BodyParserPlugin installs BodyParser as global middleware. Option: limit
// (bytes).
type BodyParserPlugin struct{}

func (BodyParserPlugin) Name() string { return NameBodyParser }

func (BodyParserPlugin) Load(e *core.Engine, opts config.Options) error {
	e.Use(BodyParser(opts.GetInt64("limit", DefaultBodyLimit)))
	return nil
}
