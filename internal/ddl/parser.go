package ddl

import (
	"fmt"
	"strconv"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// Parser parses DDL statements into AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses the input and returns a Statement.
func Parse(input string) (Statement, error) {
	p := NewParser(input)
	stmt, err := p.ParseStatement()
	if err != nil {
		return nil, err
	}
	// Allow an optional trailing semicolon, nothing else.
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf("unexpected trailing input")
	}
	return stmt, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// expect consumes the current token if it matches, otherwise errors.
func (p *Parser) expect(t TokenType) (Token, error) {
	if !p.curTokenIs(t) {
		return Token{}, p.errorf("expected %s", t.String())
	}
	tok := p.curToken
	p.nextToken()
	return tok, nil
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// ParseStatement parses a single DDL statement.
func (p *Parser) ParseStatement() (Statement, error) {
	switch p.curToken.Type {
	case TokenCreate:
		return p.parseCreateTable()
	case TokenAlter:
		return p.parseAlterTable()
	case TokenComment:
		return p.parseCommentOnTable()
	default:
		return nil, p.errorf("expected CREATE, ALTER or COMMENT")
	}
}

// parseCreateTable parses CREATE TABLE [IF NOT EXISTS] name (col TYPE [DEFAULT lit], ...).
func (p *Parser) parseCreateTable() (*CreateTable, error) {
	p.nextToken() // skip CREATE
	if _, err := p.expect(TokenTable); err != nil {
		return nil, err
	}

	stmt := &CreateTable{}

	var err error
	stmt.IfNotExists, err = p.parseIfNotExists()
	if err != nil {
		return nil, err
	}

	name, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	stmt.Name = name.Literal

	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}

	for {
		col, err := p.parseColumnSpec()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)

		if p.curTokenIs(TokenComma) {
			p.nextToken()
			continue
		}
		break
	}

	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}

	return stmt, nil
}

// parseAlterTable parses the ALTER TABLE statement family.
func (p *Parser) parseAlterTable() (Statement, error) {
	p.nextToken() // skip ALTER
	if _, err := p.expect(TokenTable); err != nil {
		return nil, err
	}

	table, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}

	switch p.curToken.Type {
	case TokenAdd:
		p.nextToken()
		if _, err := p.expect(TokenColumn); err != nil {
			return nil, err
		}
		stmt := &AddColumn{Table: table.Literal}
		stmt.IfNotExists, err = p.parseIfNotExists()
		if err != nil {
			return nil, err
		}
		stmt.Column, err = p.parseColumnSpec()
		if err != nil {
			return nil, err
		}
		return stmt, nil

	case TokenDrop:
		p.nextToken()
		if _, err := p.expect(TokenColumn); err != nil {
			return nil, err
		}
		stmt := &DropColumn{Table: table.Literal}
		if p.curTokenIs(TokenIf) {
			p.nextToken()
			if _, err := p.expect(TokenExists); err != nil {
				return nil, err
			}
			stmt.IfExists = true
		}
		col, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		stmt.Column = col.Literal
		return stmt, nil

	case TokenRename:
		p.nextToken()
		if p.curTokenIs(TokenTo) {
			p.nextToken()
			newName, err := p.expect(TokenIdent)
			if err != nil {
				return nil, err
			}
			return &RenameTable{Old: table.Literal, New: newName.Literal}, nil
		}
		if _, err := p.expect(TokenColumn); err != nil {
			return nil, err
		}
		oldCol, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenTo); err != nil {
			return nil, err
		}
		newCol, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		return &RenameColumn{Table: table.Literal, Old: oldCol.Literal, New: newCol.Literal}, nil

	default:
		return nil, p.errorf("expected ADD, DROP or RENAME")
	}
}

// parseCommentOnTable parses COMMENT ON TABLE t IS 'text'.
func (p *Parser) parseCommentOnTable() (*CommentOnTable, error) {
	p.nextToken() // skip COMMENT
	if _, err := p.expect(TokenOn); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenTable); err != nil {
		return nil, err
	}

	table, err := p.expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenIs); err != nil {
		return nil, err
	}
	comment, err := p.expect(TokenString)
	if err != nil {
		return nil, err
	}

	return &CommentOnTable{Table: table.Literal, Comment: comment.Literal}, nil
}

// parseIfNotExists consumes an optional IF NOT EXISTS clause.
func (p *Parser) parseIfNotExists() (bool, error) {
	if !p.curTokenIs(TokenIf) {
		return false, nil
	}
	p.nextToken()
	if _, err := p.expect(TokenNot); err != nil {
		return false, err
	}
	if _, err := p.expect(TokenExists); err != nil {
		return false, err
	}
	return true, nil
}

// parseColumnSpec parses `name TYPE [DEFAULT literal]`.
func (p *Parser) parseColumnSpec() (ColumnSpec, error) {
	name, err := p.expect(TokenIdent)
	if err != nil {
		return ColumnSpec{}, err
	}

	typ, err := p.expect(TokenIdent)
	if err != nil {
		return ColumnSpec{}, err
	}

	col := ColumnSpec{Name: name.Literal, Type: typ.Literal}

	if p.curTokenIs(TokenDefault) {
		p.nextToken()
		val, err := p.parseLiteral()
		if err != nil {
			return ColumnSpec{}, err
		}
		col.Default = val
		col.HasDefault = true
	}

	return col, nil
}

// parseLiteral parses a DEFAULT literal: string, number, boolean or NULL.
func (p *Parser) parseLiteral() (interface{}, error) {
	switch p.curToken.Type {
	case TokenString:
		val := p.curToken.Literal
		p.nextToken()
		return val, nil
	case TokenNumber:
		val, err := strconv.ParseFloat(p.curToken.Literal, 64)
		if err != nil {
			return nil, p.errorf("invalid numeric literal")
		}
		p.nextToken()
		return val, nil
	case TokenTrue:
		p.nextToken()
		return true, nil
	case TokenFalse:
		p.nextToken()
		return false, nil
	case TokenNull:
		p.nextToken()
		return nil, nil
	default:
		return nil, p.errorf("expected literal")
	}
}
