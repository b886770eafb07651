package wodbuster

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// hiddenInputs extracts all hidden form inputs (ASP.NET viewstate tokens,
// CSRF token, ctl00$ fields) from a page. Falls back to regex scanning when
// the structured parse finds nothing, since WodBuster sometimes serves pages
// that trip the tokenizer.
func hiddenInputs(page string) map[string]string {
	tokens := make(map[string]string)

	doc, err := html.Parse(strings.NewReader(page))
	if err == nil {
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode && n.Data == "input" {
				var name, value, typ string
				for _, a := range n.Attr {
					switch a.Key {
					case "name":
						name = a.Val
					case "value":
						value = a.Val
					case "type":
						typ = a.Val
					}
				}
				if typ == "hidden" && name != "" {
					tokens[name] = value
				}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(doc)
	}

	if len(tokens) == 0 {
		for _, m := range hiddenInputRe.FindAllStringSubmatch(page, -1) {
			tokens[m[1]] = m[2]
		}
	}
	return tokens
}

var hiddenInputRe = regexp.MustCompile(`name="(__[A-Z]+C?|CSRFToken|ctl00\$[^"]+)" value="([^"]*)"`)

// inputByIDPattern finds the first <input> whose id matches pat (case
// insensitive) and returns its name and value attributes.
func inputByIDPattern(page, pat string) (name, value string, ok bool) {
	re, err := regexp.Compile("(?i)" + pat)
	if err != nil {
		return "", "", false
	}
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", "", false
	}
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" {
			for _, a := range n.Attr {
				if a.Key == "id" && re.MatchString(a.Val) {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if found == nil {
		return "", "", false
	}
	for _, a := range found.Attr {
		switch a.Key {
		case "name":
			name = a.Val
		case "value":
			value = a.Val
		}
	}
	return name, value, name != ""
}

// elementTextByIDPattern returns the concatenated text of the first element
// whose id matches pat (case insensitive).
func elementTextByIDPattern(page, pat string) (string, bool) {
	re, err := regexp.Compile("(?i)" + pat)
	if err != nil {
		return "", false
	}
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", false
	}
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "id" && re.MatchString(a.Val) {
					found = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if found == nil {
		return "", false
	}

	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(found)
	return b.String(), true
}
