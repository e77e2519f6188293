package xades

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Elements are matched by namespace URI and local name; prefixes vary
// between producers.

func isElement(e *etree.Element, ns, tag string) bool {
	return e.Tag == tag && e.NamespaceURI() == ns
}

func childNS(parent *etree.Element, ns, tag string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if isElement(c, ns, tag) {
			return c
		}
	}
	return nil
}

func childrenNS(parent *etree.Element, ns, tag string) []*etree.Element {
	if parent == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if isElement(c, ns, tag) {
			out = append(out, c)
		}
	}
	return out
}

// pathNS follows a chain of child elements in one namespace.
func pathNS(parent *etree.Element, ns string, tags ...string) *etree.Element {
	cur := parent
	for _, t := range tags {
		cur = childNS(cur, ns, t)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func descendantsNS(root *etree.Element, ns, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, c := range e.ChildElements() {
			if isElement(c, ns, tag) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

func findByID(root *etree.Element, id string) *etree.Element {
	if root == nil {
		return nil
	}
	if root.SelectAttrValue(IDAttr, "") == id {
		return root
	}
	for _, c := range root.ChildElements() {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func decodeBase64Text(e *etree.Element) ([]byte, error) {
	text := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, e.Text())
	return base64.StdEncoding.DecodeString(text)
}

func qualifyingProperties(sig *etree.Element) *etree.Element {
	for _, obj := range childrenNS(sig, DSigNamespace, ObjectTag) {
		if qp := childNS(obj, Namespace, QualifyingPropertiesTag); qp != nil {
			return qp
		}
	}
	return nil
}

func ensureUnsignedSignatureProperties(sig *etree.Element) (*etree.Element, error) {
	qp := qualifyingProperties(sig)
	if qp == nil {
		return nil, fmt.Errorf("%w: QualifyingProperties missing", ErrMalformedSignature)
	}
	up := childNS(qp, Namespace, UnsignedPropertiesTag)
	if up == nil {
		up = qp.CreateElement(nsPrefix(qp, Namespace, Prefix) + UnsignedPropertiesTag)
	}
	usp := childNS(up, Namespace, UnsignedSignaturePropertiesTag)
	if usp == nil {
		usp = up.CreateElement(nsPrefix(up, Namespace, Prefix) + UnsignedSignaturePropertiesTag)
	}
	return usp, nil
}

// nsPrefix returns "prefix:" for the prefix bound to ns at e, declaring
// fallback on e when the namespace is not in scope.
func nsPrefix(e *etree.Element, ns, fallback string) string {
	for p := e; p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if a.Value != ns {
				continue
			}
			if name, ok := nsDeclName(a); ok {
				if name == "" {
					return ""
				}
				return name + ":"
			}
		}
	}
	e.CreateAttr("xmlns:"+fallback, ns)
	return fallback + ":"
}
