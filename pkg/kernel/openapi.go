package kernel

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

//go:embed openapi.yaml
var openapiYAML []byte

// LoadSpec parses and validates the embedded API description.
var LoadSpec = sync.OnceValues(func() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
})

// requestValidator checks requests against one operation of the document
// before the handler runs. Routing is done by ServeMux; the route here only
// selects the operation.
type requestValidator struct {
	route      *routers.Route
	pathParams []string
}

func newRequestValidator(doc *openapi3.T, path, method string) (*requestValidator, error) {
	item := doc.Paths.Value(path)
	if item == nil {
		return nil, fmt.Errorf("openapi: no path %s", path)
	}
	op := item.GetOperation(method)
	if op == nil {
		return nil, fmt.Errorf("openapi: no %s operation on %s", method, path)
	}

	var names []string
	for _, params := range []openapi3.Parameters{item.Parameters, op.Parameters} {
		for _, p := range params {
			if p.Value != nil && p.Value.In == openapi3.ParameterInPath {
				names = append(names, p.Value.Name)
			}
		}
	}
	return &requestValidator{
		route: &routers.Route{
			Spec:      doc,
			Path:      path,
			PathItem:  item,
			Method:    method,
			Operation: op,
		},
		pathParams: names,
	}, nil
}

func (v *requestValidator) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		}
		params := make(map[string]string, len(v.pathParams))
		for _, name := range v.pathParams {
			params[name] = r.PathValue(name)
		}

		err := openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      v.route,
			Options:    &openapi3filter.Options{MultiError: false},
		})
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, tooLarge)
			return
		}
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, validationMessage(err)))
			return
		}
		next(w, r)
	}
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("parameter %s: %s", reqErr.Parameter.Name, reqErr.Err)
		}
		if reqErr.Err != nil {
			return reqErr.Err.Error()
		}
		return reqErr.Reason
	}
	return err.Error()
}
