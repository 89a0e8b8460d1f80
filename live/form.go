package live

import (
	"net/url"
	"strconv"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// the successful controls of a form, in document order
func formControls(form *html.Node) []*html.Node {
	formId := getAttr(form, "id")
	controls := all(form, func(n *html.Node) bool {
		return isFormControl(n)
	})
	if formId != "" {
		// controls outside of the form that name it with `form=`
		root := form
		for root.Parent != nil {
			root = root.Parent
		}
		for _, n := range allWithAttrValue(root, "form", formId) {
			if isFormControl(n) && closest(n, func(c *html.Node) bool { return c == form }) == nil {
				controls = append(controls, n)
			}
		}
	}
	return controls
}

func isFormControl(n *html.Node) bool {
	if !isElement(n) {
		return false
	}
	switch n.DataAtom {
	case atom.Input, atom.Textarea, atom.Select:
		return getAttr(n, "name") != ""
	}
	return false
}

func formValues(form *html.Node) url.Values {
	values := url.Values{}
	for _, control := range formControls(form) {
		if hasAttr(control, "disabled") {
			continue
		}
		name := getAttr(control, "name")
		switch inputType(control) {
		case "checkbox", "radio":
			if !hasAttr(control, "checked") {
				continue
			}
			value, ok := lookupAttr(control, "value")
			if !ok {
				value = "on"
			}
			values.Add(name, value)
		case "submit", "button", "reset", "image", "file":
		case "select-multiple":
			for _, option := range all(control, func(n *html.Node) bool {
				return isElement(n) && n.DataAtom == atom.Option && hasAttr(n, "selected")
			}) {
				if value, ok := lookupAttr(option, "value"); ok {
					values.Add(name, value)
				} else {
					values.Add(name, textContent(option))
				}
			}
		default:
			values.Add(name, inputValue(control))
		}
	}
	return values
}

// url encodes the form with `meta` appended, the way a browser submits it
func serializeForm(form *html.Node, meta map[string]string) string {
	values := formValues(form)
	for key, value := range meta {
		values.Set(key, value)
	}
	return values.Encode()
}

// all values submitted under `name`, used to detect repeated change events
func formValuesOf(form *html.Node, name string) []string {
	return formValues(form)[name]
}

// marks a form as awaiting a submit reply. Buttons are disabled, inputs made readonly
// and `phx-disable-with` elements swap their text. The prior state is kept in attributes
// so that `restoreDisabledForm` can undo it.
func disableForm(form *html.Node, settings *Settings) {
	disableWith := settings.Binding(BindingDisable)
	addClass(form, PhxLoading)
	for _, el := range allWithAttr(form, disableWith) {
		setAttr(el, disableWith+"-restore", textContent(el))
		setTextContent(el, getAttr(el, disableWith))
	}
	for _, button := range all(form, byAtom(atom.Button)) {
		setAttr(button, PhxDisabled, strconv.FormatBool(hasAttr(button, "disabled")))
		setAttr(button, "disabled", "")
	}
	for _, input := range all(form, byAtom(atom.Input)) {
		setAttr(input, PhxReadonly, strconv.FormatBool(hasAttr(input, "readonly")))
		setAttr(input, "readonly", "")
	}
}

func restoreDisabledForm(form *html.Node, settings *Settings) {
	disableWith := settings.Binding(BindingDisable)
	removeClass(form, PhxLoading)
	for _, el := range allWithAttr(form, disableWith) {
		if value := getAttr(el, disableWith+"-restore"); value != "" {
			if el.DataAtom == atom.Input {
				setAttr(el, "value", value)
			} else {
				setTextContent(el, value)
			}
			removeAttr(el, disableWith+"-restore")
		}
	}
	for _, button := range all(form, byAtom(atom.Button)) {
		if prev, ok := lookupAttr(button, PhxDisabled); ok {
			if prev == "true" {
				setAttr(button, "disabled", "")
			} else {
				removeAttr(button, "disabled")
			}
			removeAttr(button, PhxDisabled)
		}
	}
	for _, input := range all(form, byAtom(atom.Input)) {
		if prev, ok := lookupAttr(input, PhxReadonly); ok {
			if prev == "true" {
				setAttr(input, "readonly", "")
			} else {
				removeAttr(input, "readonly")
			}
			removeAttr(input, PhxReadonly)
		}
	}
}

func byAtom(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return isElement(n) && n.DataAtom == a
	}
}
