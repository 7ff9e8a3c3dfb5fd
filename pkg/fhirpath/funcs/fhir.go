package funcs

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/gofhirpath/engine/pkg/fhirpath/eval"
	"github.com/gofhirpath/engine/pkg/fhirpath/types"
)

func init() {
	// Register FHIR-specific functions
	Register(FuncDef{
		Name:    "resolve",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnResolve,
	})

	Register(FuncDef{
		Name:    "extension",
		MinArgs: 1,
		MaxArgs: 1,
		Fn:      fnExtension,
	})

	Register(FuncDef{
		Name:    "hasExtension",
		MinArgs: 1,
		MaxArgs: 1,
		Fn:      fnHasExtension,
	})

	Register(FuncDef{
		Name:    "getExtensionValue",
		MinArgs: 1,
		MaxArgs: 1,
		Fn:      fnGetExtensionValue,
	})

	Register(FuncDef{
		Name:    "getReferenceKey",
		MinArgs: 0,
		MaxArgs: 1,
		Fn:      fnGetReferenceKey,
	})

	Register(FuncDef{
		Name:    "htmlChecks",
		MinArgs: 0,
		MaxArgs: 0,
		Fn:      fnHTMLChecks,
	})

	Register(FuncDef{
		Name:    "memberOf",
		MinArgs: 1,
		MaxArgs: 1,
		Fn:      fnMemberOf,
	})
}

// fnMemberOf checks whether every item in the input collection belongs to
// the named ValueSet, per spec.md §4.8's async-gating contract: empty if no
// terminology service is configured, an evaluation error if a service is
// configured but async mode is off, otherwise the per-item coded values are
// sent to the service and the result is true only if every item is a member.
// An item that is not Codeable (no system/code/version can be extracted) is a
// type mismatch on memberOf's implicit single-value contract and is an
// evaluation error under the library-wide failure policy, not a silent skip.
func fnMemberOf(ctx *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}

	service := ctx.GetTerminology()
	if service == nil {
		return types.Collection{}, nil
	}

	if !ctx.AsyncMode() {
		return nil, eval.NewEvalError(eval.ErrInvalidOperation,
			"memberOf requires async mode: the terminology service call is inherently asynchronous")
	}

	valueSetURL, ok := toStringArg(firstArg(args))
	if !ok || valueSetURL == "" {
		return nil, eval.InvalidArgumentsError("memberOf", 1, 0)
	}

	triples, ok := input.CodedTriples()
	if !ok {
		badItem := input[len(triples)]
		return nil, eval.TypeError("Coding, CodeableConcept, or code string", badItem.Type(), "memberOf").
			WithUnderlying(types.NewCodingError(badItem.Type()))
	}

	memberships := make(types.Collection, 0, len(triples))
	for _, t := range triples {
		member, err := service.MemberOf(ctx.Context(), t.System, t.Code, t.Version, valueSetURL)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, types.GetBoolean(member))
	}

	return types.BooleanCollection(memberships.AllTrue()), nil
}

// unsafeHTMLTags are rejected outright wherever they appear in the markup.
var unsafeHTMLTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Base:     true,
	atom.Form:     true,
	atom.Input:    true,
	atom.Iframe:   true,
	atom.Frameset: true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Applet:   true,
}

// voidHTMLTags never require a matching close tag.
var voidHTMLTags = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Param: true, atom.Source: true,
	atom.Track: true, atom.Wbr: true,
}

// fnHTMLChecks validates that a narrative string is free of the markup the
// FHIR narrative security rules disallow: script injection, event-handler
// attributes, javascript:/data: URLs, external stylesheets, and a handful
// of document-structure and embedding tags, plus a balanced tag stack.
func fnHTMLChecks(_ *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}

	s, ok := input[0].(types.String)
	if !ok {
		return types.Collection{}, nil
	}

	return types.Collection{types.NewBoolean(htmlIsSafe(s.Value()))}, nil
}

func htmlIsSafe(markup string) bool {
	tokenizer := html.NewTokenizer(strings.NewReader(markup))
	var stack []atom.Atom

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return len(stack) == 0

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokenizer.Token()
			if unsafeHTMLTags[tok.DataAtom] {
				return false
			}
			if tok.DataAtom == atom.Link && isStylesheetLink(tok) {
				return false
			}
			for _, attr := range tok.Attr {
				if !attrIsSafe(attr.Key, attr.Val) {
					return false
				}
			}
			if tt == html.StartTagToken && !voidHTMLTags[tok.DataAtom] {
				stack = append(stack, tok.DataAtom)
			}

		case html.EndTagToken:
			tok := tokenizer.Token()
			if len(stack) == 0 || stack[len(stack)-1] != tok.DataAtom {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func isStylesheetLink(tok html.Token) bool {
	for _, attr := range tok.Attr {
		if !strings.EqualFold(attr.Key, "rel") {
			continue
		}
		for _, token := range strings.Fields(attr.Val) {
			if strings.EqualFold(token, "stylesheet") {
				return true
			}
		}
	}
	return false
}

// stripURLJunk removes the ASCII control characters (tab, newline, carriage
// return) that browsers strip from a URL before parsing its scheme, so a
// scheme check isn't bypassed by a value like "java\tscript:alert(1)".
func stripURLJunk(s string) string {
	return strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace(s)
}

func attrIsSafe(key, val string) bool {
	lowerKey := strings.ToLower(key)
	if strings.HasPrefix(lowerKey, "on") {
		return false
	}
	lowerVal := strings.ToLower(stripURLJunk(strings.TrimSpace(val)))
	if strings.HasPrefix(lowerVal, "javascript:") || strings.HasPrefix(lowerVal, "data:") {
		return false
	}
	return true
}

// fnResolve resolves a FHIR reference to the referenced resource, per the
// three-step order: an injected resolver first, then a search of the root
// Bundle's entries by fullUrl or resourceType/id, else empty.
func fnResolve(ctx *eval.Context, input types.Collection, _ []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}

	resolver := ctx.GetResolver()

	result := types.Collection{}

	for _, item := range input {
		var reference string

		switch v := item.(type) {
		case types.String:
			reference = v.Value()
		case *types.ObjectValue:
			// Try to get the 'reference' field from a Reference object
			if ref, ok := v.Get("reference"); ok {
				if refStr, ok := ref.(types.String); ok {
					reference = refStr.Value()
				}
			}
		}

		if reference == "" {
			continue
		}

		if resolver != nil {
			resourceJSON, err := resolver.Resolve(ctx.Context(), reference)
			if err == nil {
				if col, err := types.JSONToCollection(resourceJSON); err == nil {
					result = append(result, col...)
					continue
				}
			}
			// Resolver couldn't serve this one; fall through to the Bundle search.
		}

		if resolved, ok := resolveFromBundle(ctx.Root(), reference); ok {
			result = append(result, resolved)
		}
	}

	return result, nil
}

// resolveFromBundle searches a root Bundle's entries for a match, per
// spec.md §4.7 step 2: the entry's fullUrl equals ref, or the contained
// resource's resourceType/id equals ref.
func resolveFromBundle(root types.Collection, reference string) (types.Value, bool) {
	if root.Empty() {
		return nil, false
	}

	bundle, ok := root[0].(*types.ObjectValue)
	if !ok || bundle.Type() != "Bundle" {
		return nil, false
	}

	for _, entry := range bundle.GetCollection("entry") {
		entryObj, ok := entry.(*types.ObjectValue)
		if !ok {
			continue
		}

		if fullURL, ok := entryObj.Get("fullUrl"); ok {
			if s, ok := fullURL.(types.String); ok && s.Value() == reference {
				if res, ok := entryObj.Get("resource"); ok {
					return res, true
				}
			}
		}

		res, ok := entryObj.Get("resource")
		if !ok {
			continue
		}
		resObj, ok := res.(*types.ObjectValue)
		if !ok {
			continue
		}

		resourceType, hasType := resObj.Get("resourceType")
		id, hasID := resObj.Get("id")
		resourceTypeStr, okType := resourceType.(types.String)
		idStr, okID := id.(types.String)
		if hasType && hasID && okType && okID && resourceTypeStr.Value()+"/"+idStr.Value() == reference {
			return res, true
		}
	}

	return nil, false
}

// fnExtension returns extensions matching the given URL.
func fnExtension(ctx *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	if input.Empty() || len(args) == 0 {
		return types.Collection{}, nil
	}

	// Get the extension URL to search for
	var url string
	if col, ok := args[0].(types.Collection); ok && !col.Empty() {
		if str, ok := col[0].(types.String); ok {
			url = str.Value()
		}
	}

	if url == "" {
		return types.Collection{}, nil
	}

	result := types.Collection{}

	for _, item := range input {
		obj, ok := item.(*types.ObjectValue)
		if !ok {
			continue
		}

		// Get the extension array
		extensions := obj.GetCollection("extension")
		for _, ext := range extensions {
			extObj, ok := ext.(*types.ObjectValue)
			if !ok {
				continue
			}

			// Check if the URL matches
			if extURL, ok := extObj.Get("url"); ok {
				if urlStr, ok := extURL.(types.String); ok {
					if urlStr.Value() == url {
						result = append(result, extObj)
					}
				}
			}
		}
	}

	return result, nil
}

// fnHasExtension returns true if any input element has an extension with the given URL.
func fnHasExtension(ctx *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	extensions, err := fnExtension(ctx, input, args)
	if err != nil {
		return nil, err
	}

	return types.Collection{types.NewBoolean(!extensions.Empty())}, nil
}

// fnGetExtensionValue returns the value of extensions matching the given URL.
func fnGetExtensionValue(ctx *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	extensions, err := fnExtension(ctx, input, args)
	if err != nil {
		return nil, err
	}

	result := types.Collection{}

	for _, ext := range extensions {
		extObj, ok := ext.(*types.ObjectValue)
		if !ok {
			continue
		}

		// Look for value[x] fields
		valueFields := []string{
			"valueString", "valueBoolean", "valueInteger", "valueDecimal",
			"valueDate", "valueDateTime", "valueTime", "valueCode",
			"valueCoding", "valueCodeableConcept", "valueQuantity",
			"valueReference", "valueIdentifier", "valuePeriod",
			"valueRange", "valueRatio", "valueAttachment",
			"valueUri", "valueUrl", "valueCanonical",
		}

		for _, field := range valueFields {
			if val, ok := extObj.Get(field); ok {
				result = append(result, val)
				break
			}
		}
	}

	return result, nil
}

// fnGetReferenceKey extracts the resource type and ID from a reference.
// Returns a string in the format "ResourceType/id" or just "id" if no type prefix.
func fnGetReferenceKey(ctx *eval.Context, input types.Collection, args []interface{}) (types.Collection, error) {
	if input.Empty() {
		return types.Collection{}, nil
	}

	// Optional argument: specific part to extract ("type", "id", or default "key")
	part := "key"
	if len(args) > 0 {
		if col, ok := args[0].(types.Collection); ok && !col.Empty() {
			if str, ok := col[0].(types.String); ok {
				part = str.Value()
			}
		}
	}

	result := types.Collection{}

	for _, item := range input {
		var reference string

		switch v := item.(type) {
		case types.String:
			reference = v.Value()
		case *types.ObjectValue:
			if ref, ok := v.Get("reference"); ok {
				if refStr, ok := ref.(types.String); ok {
					reference = refStr.Value()
				}
			}
		}

		if reference == "" {
			continue
		}

		// Parse the reference
		// Remove any URL prefix (e.g., "http://example.org/fhir/Patient/123")
		if idx := strings.LastIndex(reference, "/"); idx > 0 {
			// Check if there's a resource type prefix before this
			beforeSlash := reference[:idx]
			if lastSlashBefore := strings.LastIndex(beforeSlash, "/"); lastSlashBefore >= 0 {
				reference = beforeSlash[lastSlashBefore+1:] + "/" + reference[idx+1:]
			}
		}

		switch part {
		case "type":
			if idx := strings.Index(reference, "/"); idx > 0 {
				result = append(result, types.NewString(reference[:idx]))
			}
		case "id":
			if idx := strings.LastIndex(reference, "/"); idx >= 0 {
				result = append(result, types.NewString(reference[idx+1:]))
			} else {
				result = append(result, types.NewString(reference))
			}
		default: // "key" or any other value
			result = append(result, types.NewString(reference))
		}
	}

	return result, nil
}
