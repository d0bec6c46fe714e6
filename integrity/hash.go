/*
Package integrity recomputes the content hash a PTU file carries for the
receiving cooperative.

PURPOSE:
  The receiver does not hash canonical XML. It hashes a textual projection
  of the GuiaCobrancaUtilizacao block:

    1. serialize the block (first element with that local name)
    2. cut every <hash>...</hash> pair (any prefix, any case)
    3. drop \n and \r, collapse whitespace between tags
    4. strip every tag, trim the ends
    5. MD5 of the result encoded as ISO-8859-1

  Any deviation in whitespace handling breaks acceptance, so the steps are
  kept literal.

CARRIER:
  The digest is written to the hash element directly under the root,
  which is created (last, in the PTU namespace) when missing.

USAGE:
  h := integrity.New(logger)
  digest, found, err := h.Rehash(doc.Root())
  // found=false: no GuiaCobrancaUtilizacao, nothing was written
*/
package integrity

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/glosa-engine/xmldoc"
)

const (
	// SubtreeName is the local name of the hashed block.
	SubtreeName = "GuiaCobrancaUtilizacao"

	// CarrierName is the local name of the element that receives the digest.
	CarrierName = "hash"
)

// ErrProjection is returned when the hashed block cannot be turned into
// ISO-8859-1 bytes.
var ErrProjection = errors.New("hash projection failed")

var (
	innerHashPattern = regexp.MustCompile(`(?is)<(\w+:)?hash>.*?</(\w+:)?hash>`)
	markupPattern    = regexp.MustCompile(`<[^>]+>`)

	// whitespace as the receiver's validator sees it, NEL and NBSP included
	interTagSpace = regexp.MustCompile(`>[[:space:]\x{1c}-\x{1f}\x{85}\x{a0}]+<`)
)

// Hasher computes and writes the document digest.
type Hasher struct {
	carrierNS string
	logger    *zap.Logger
}

// New creates a hasher writing the carrier in the PTU namespace.
func New(logger *zap.Logger) *Hasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hasher{carrierNS: xmldoc.PTUNamespace, logger: logger}
}

// Digest computes the digest of the tree rooted at root without touching
// it. found is false when the hashed block is absent.
func (h *Hasher) Digest(root *xmldoc.Node) (digest string, found bool, err error) {
	if root == nil {
		return "", false, nil
	}
	block := xmldoc.FirstByLocalName(root, SubtreeName)
	if block == nil {
		h.logger.Debug("no hash block in document", zap.String("block", SubtreeName))
		return "", false, nil
	}
	digest, err = DigestOf(Projection(xmldoc.SerializeNode(block, false)))
	if err != nil {
		return "", true, err
	}
	return digest, true, nil
}

// Rehash computes the digest and writes it to the carrier element.
func (h *Hasher) Rehash(root *xmldoc.Node) (string, bool, error) {
	digest, found, err := h.Digest(root)
	if err != nil || !found {
		return digest, found, err
	}

	carrier := h.carrier(root)
	xmldoc.SetText(carrier, digest)
	h.logger.Info("hash rewritten", zap.String("digest", digest), zap.String("carrier", xmldoc.Path(carrier)))
	return digest, true, nil
}

// carrier returns the hash element under root, creating it when missing.
func (h *Hasher) carrier(root *xmldoc.Node) *xmldoc.Node {
	for _, child := range xmldoc.ChildElements(root) {
		if xmldoc.LocalName(child) == CarrierName {
			return child
		}
	}

	var el *xmldoc.Node
	if prefix, ok := xmldoc.PrefixInScope(root, h.carrierNS); ok {
		el = xmldoc.NewElement(prefix, CarrierName, h.carrierNS)
	} else {
		el = xmldoc.NewElement("ptu", CarrierName, h.carrierNS)
		xmldoc.SetAttr(el, "xmlns:ptu", h.carrierNS)
	}
	xmldoc.AppendChild(root, el)
	return el
}

// Projection reduces a serialized block to the text the digest covers.
func Projection(serialized string) string {
	s := innerHashPattern.ReplaceAllString(serialized, "")
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	s = interTagSpace.ReplaceAllString(s, "><")
	s = markupPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// DigestOf returns the hex MD5 of projection encoded as ISO-8859-1.
func DigestOf(projection string) (string, error) {
	data, err := xmldoc.EncodeLatin1(projection)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProjection, err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}
